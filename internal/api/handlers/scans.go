package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/imgforge/imgforge/internal/pipeline"
	"github.com/imgforge/imgforge/internal/scan"
)

// ScansHandler drives the scan pipeline: start, pause, resume.
type ScansHandler struct {
	Orc *pipeline.Orchestrator
}

// Start handles POST /api/jobs/{id}/scan. One walk runs at a time; a
// request while another job's walk is active queues behind it.
func (h *ScansHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := h.Orc.StartScan(r.Context(), id)
	if err != nil {
		writeKindError(w, err)
		return
	}

	switch state {
	case scan.SourceMissing:
		writeError(w, http.StatusConflict, "SOURCE_MISSING", "source directory does not exist")
	case scan.InProgress:
		writeError(w, http.StatusConflict, "SCAN_IN_PROGRESS", "this location is already being scanned")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": state.String(),
		})
	}
}

// Pause handles POST /api/scans/pause.
func (h *ScansHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.Orc.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Resume handles POST /api/scans/resume.
func (h *ScansHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.Orc.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// Status handles GET /api/scans/status: the pause flag, the active walk,
// and the queued walks in the order they will run.
func (h *ScansHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Orc.ScanStatus())
}
