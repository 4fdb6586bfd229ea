package handlers

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var mimeTypes = map[string]string{
	".html":  "text/html",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".css":   "text/css",
	".json":  "application/json",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
}

// staticFileHandler serves the dashboard. Unknown paths get index.html so the
// single-page app can route them itself.
type staticFileHandler struct {
	staticDir string
	indexFile string
}

func newStaticHandler(dir string) *staticFileHandler {
	return &staticFileHandler{
		staticDir: dir,
		indexFile: filepath.Join(dir, "index.html"),
	}
}

func (h *staticFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws/") {
		http.NotFound(w, r)
		return
	}

	// Clean against the root first so ".." can never leave staticDir.
	filePath := filepath.Join(h.staticDir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))

	info, err := os.Stat(filePath)
	if err == nil && !info.IsDir() {
		ext := strings.ToLower(filepath.Ext(filePath))
		if mimeType, ok := mimeTypes[ext]; ok {
			w.Header().Set("Content-Type", mimeType)
		}
		serveFile(w, r, filePath)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	serveFile(w, r, h.indexFile)
}

func serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := os.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
