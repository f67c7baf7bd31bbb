package handlers

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// SPAHandler serves the embedded web client. Unknown paths fall back to
// index.html so client-side routes (/s/ABCD1234) survive a reload.
type SPAHandler struct {
	files  fs.FS
	server http.Handler
}

// NewSPAHandler wraps files, the root of the client build.
func NewSPAHandler(files fs.FS) *SPAHandler {
	return &SPAHandler{files: files, server: http.FileServerFS(files)}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}

	if _, err := fs.Stat(h.files, name); err != nil {
		// Missing assets are real 404s; anything else is a client route.
		if path.Ext(name) != "" {
			http.NotFound(w, r)
			return
		}
		http.ServeFileFS(w, r, h.files, "index.html")
		return
	}
	h.server.ServeHTTP(w, r)
}
