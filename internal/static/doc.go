// Package static serves the front-end build output with single page app
// fallback and optional live reload script injection.
package static
