// Package livereload tells open browser tabs to reload when the served
// front-end files change.
//
// A Watcher follows the static root with fsnotify and debounces bursts of
// writes (a build tool rewriting dist/ touches many files at once). Each
// burst becomes one {"type":"reload"} message that the Hub pushes to every
// page connected over WebSocket at Endpoint.
package livereload
