// Package httpserver binds the dev server socket, falling back to the next
// free port unless strict port mode is on, and serves until shut down.
package httpserver
