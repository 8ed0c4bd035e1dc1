package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/imgforge/imgforge/internal/media"
)

// FilesHandler streams raw file bytes for preview. Only paths inside a
// configured source directory are served.
type FilesHandler struct {
	Sources map[string]string
}

// Serve handles GET /api/files?path=.
func (h *FilesHandler) Serve(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "path is required")
		return
	}

	path := filepath.Clean(raw)
	if !h.allowed(path) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "path is outside configured sources")
		return
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "file not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "cannot open file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "file not found")
		return
	}

	w.Header().Set("Content-Type", media.ContentType(path))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// allowed reports whether path sits under one of the configured sources.
func (h *FilesHandler) allowed(path string) bool {
	for _, root := range h.Sources {
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
