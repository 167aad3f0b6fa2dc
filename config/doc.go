// Package config loads the dev server configuration from a YAML file,
// DEVSERVER_* environment variables and command line flags. It defines the
// listen port and host, the static asset root, the ordered reverse proxy
// rules and the upstream, live reload and logging settings.
//
// With no file present the defaults describe a server on port 5173 bound to
// every interface that forwards ^/api over HTTP and ^/ws over WebSocket to
// a backend on 127.0.0.1:8080.
package config
