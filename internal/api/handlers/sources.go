package handlers

import (
	"net/http"
	"sort"
)

// SourcesHandler exposes the configured scan sources.
type SourcesHandler struct {
	Sources map[string]string
}

type sourceItem struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// List handles GET /api/sources.
func (h *SourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	items := make([]sourceItem, 0, len(h.Sources))
	for name, path := range h.Sources {
		items = append(items, sourceItem{Name: name, Path: path})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	writeJSON(w, http.StatusOK, items)
}
