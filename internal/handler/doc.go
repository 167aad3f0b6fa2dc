// Package handler implements the main HTTP request handler for the dev
// server. It coordinates proxy rule matching, circuit breaking, upstream
// forwarding, static file serving and metrics.
package handler
