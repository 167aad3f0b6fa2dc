package static

import (
	"bytes"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"time"
)

// SPAHandler serves the front-end build from a directory. Requests for
// missing extensionless paths fall back to index.html so client-side
// routing works; missing files with an extension are a 404.
type SPAHandler struct {
	filesystem  fs.FS
	spaFallback bool
	snippet     []byte
}

// Option configures an SPAHandler.
type Option func(*SPAHandler)

// WithLiveReload injects a script into every HTML page that connects to
// the live reload socket at endpoint and reloads the page on change.
func WithLiveReload(endpoint string) Option {
	return func(h *SPAHandler) {
		h.snippet = []byte(liveReloadScript(endpoint))
	}
}

// WithSPAFallback toggles the index.html fallback. It is on by default.
func WithSPAFallback(enabled bool) Option {
	return func(h *SPAHandler) {
		h.spaFallback = enabled
	}
}

// NewSPAHandler serves files from the directory root.
func NewSPAHandler(root string, opts ...Option) *SPAHandler {
	return NewFSHandler(os.DirFS(root), opts...)
}

// NewFSHandler serves files from an arbitrary file system.
func NewFSHandler(filesystem fs.FS, opts ...Option) *SPAHandler {
	h := &SPAHandler{
		filesystem:  filesystem,
		spaFallback: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	urlPath := path.Clean("/" + r.URL.Path)
	name := strings.TrimPrefix(urlPath, "/")
	if name == "" {
		name = "index.html"
	}

	if info, err := fs.Stat(h.filesystem, name); err == nil {
		if info.IsDir() {
			name = path.Join(name, "index.html")
			if _, err := fs.Stat(h.filesystem, name); err != nil {
				h.fallback(w, r, urlPath)
				return
			}
		}
		h.serveFile(w, r, name)
		return
	}

	h.fallback(w, r, urlPath)
}

func (h *SPAHandler) fallback(w http.ResponseWriter, r *http.Request, urlPath string) {
	// r.URL.Path is already decoded, so %2Ecss still counts as an extension.
	if !h.spaFallback || path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	if _, err := fs.Stat(h.filesystem, "index.html"); err != nil {
		http.NotFound(w, r)
		return
	}

	h.serveFile(w, r, "index.html")
}

func (h *SPAHandler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	if h.snippet != nil && isHTML(name) {
		h.serveHTML(w, r, name)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFileFS(w, r, h.filesystem, name)
}

func (h *SPAHandler) serveHTML(w http.ResponseWriter, r *http.Request, name string) {
	data, err := fs.ReadFile(h.filesystem, name)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, name, modTime(h.filesystem, name), bytes.NewReader(Inject(data, h.snippet)))
}

// Inject places snippet right before the last </body>, or appends it when
// the document has none.
func Inject(page, snippet []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if idx < 0 {
		return append(append([]byte{}, page...), snippet...)
	}

	out := make([]byte, 0, len(page)+len(snippet))
	out = append(out, page[:idx]...)
	out = append(out, snippet...)
	out = append(out, page[idx:]...)
	return out
}

func isHTML(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".html" || ext == ".htm"
}

func modTime(filesystem fs.FS, name string) time.Time {
	info, err := fs.Stat(filesystem, name)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
