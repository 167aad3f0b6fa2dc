// Package healthcheck periodically checks whether upstream origins accept
// TCP connections and updates their health status, so the dev server can
// tell the developer when the backend goes away and comes back.
package healthcheck
