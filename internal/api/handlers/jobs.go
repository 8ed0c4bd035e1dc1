package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/imgforge/imgforge/internal/pipeline"
	"github.com/imgforge/imgforge/internal/store"
)

// JobsHandler handles job CRUD endpoints.
type JobsHandler struct {
	Store   *store.Store
	Orc     *pipeline.Orchestrator
	Sources map[string]string
}

// jobView is a Job plus the derived legacy booleans older clients read.
type jobView struct {
	store.Job
	InProgress bool `json:"inProgress"`
	Scanned    bool `json:"scanned"`
}

func viewOf(j store.Job) jobView {
	return jobView{Job: j, InProgress: j.InProgress(), Scanned: j.Scanned()}
}

// Create handles POST /api/jobs.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Source      string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "name is required")
		return
	}
	path, ok := h.Sources[req.Source]
	if !ok {
		writeError(w, http.StatusBadRequest, "UNKNOWN_SOURCE", "source is not configured")
		return
	}

	job := &store.Job{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		SourceName:  req.Source,
		SourcePath:  path,
		Owner:       Owner(r.Context()),
	}
	if err := h.Store.CreateJob(r.Context(), job); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(*job))
}

// List handles GET /api/jobs — cursor-paginated, newest first by default.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, false)
}

// InProgress handles GET /api/jobs/in-progress.
func (h *JobsHandler) InProgress(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, true)
}

func (h *JobsHandler) list(w http.ResponseWriter, r *http.Request, inProgressOnly bool) {
	limit := parseLimit(r)
	jobs, next, err := h.Store.ListJobs(r.Context(), store.ListJobsOptions{
		Cursor:         r.URL.Query().Get("cursor"),
		Limit:          limit,
		Descending:     r.URL.Query().Get("order") != "asc",
		InProgressOnly: inProgressOnly,
	})
	if err != nil {
		writeKindError(w, err)
		return
	}

	items := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, viewOf(j))
	}
	writeJSON(w, http.StatusOK, ListResponse[jobView]{
		Items:      items,
		NextCursor: next,
		Limit:      limit,
	})
}

// Get handles GET /api/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*job))
}

// Delete handles DELETE /api/jobs/{id}. Cancels any walk the job owns and
// purges images left with no owning job.
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Orc.DeleteJob(r.Context(), id); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
