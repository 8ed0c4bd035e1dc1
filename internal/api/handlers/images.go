package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/imgforge/imgforge/internal/store"
)

// ImagesHandler serves a job's cataloged images.
type ImagesHandler struct {
	Store *store.Store
}

// List handles GET /api/jobs/{id}/images — cursor-paginated on the image
// fingerprint, each item joined with whatever stage data exists.
func (h *ImagesHandler) List(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := h.Store.GetJob(r.Context(), jobID); err != nil {
		writeKindError(w, err)
		return
	}

	limit := parseLimit(r)
	images, next, err := h.Store.ListImages(r.Context(), jobID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if images == nil {
		images = []store.ImageDetail{}
	}

	// Each image carries its full owning-job set, not just the requested
	// job, so clients can tell shared content apart.
	for i := range images {
		owners, err := h.Store.ImageOwners(r.Context(), images[i].MD5)
		if err != nil {
			writeKindError(w, err)
			return
		}
		images[i].JobIDs = owners
	}

	writeJSON(w, http.StatusOK, ListResponse[store.ImageDetail]{
		Items:      images,
		NextCursor: next,
		Limit:      limit,
	})
}
