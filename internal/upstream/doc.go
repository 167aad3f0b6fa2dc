// Package upstream models the backend origins the dev server forwards to.
// It provides per-origin connection tracking, health status, response time
// monitoring and the HTTP transports used by the reverse proxy.
package upstream
