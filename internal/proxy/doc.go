// Package proxy implements the dev server's reverse proxy table.
//
// Each rule pairs a path pattern with one upstream target. Plain HTTP
// requests and WebSocket upgrades are forwarded with httputil.ReverseProxy;
// rules can rewrite the Host and Origin headers to the target's origin,
// rewrite the forwarded path, and skip upstream certificate verification.
package proxy
