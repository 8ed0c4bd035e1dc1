package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/imgforge/imgforge/internal/auth"
	"github.com/imgforge/imgforge/internal/broker"
	"github.com/imgforge/imgforge/internal/config"
	"github.com/imgforge/imgforge/internal/db"
	"github.com/imgforge/imgforge/internal/pipeline"
	"github.com/imgforge/imgforge/internal/progress"
	"github.com/imgforge/imgforge/internal/scan"
	"github.com/imgforge/imgforge/internal/store"
)

type nullPub struct{}

func (nullPub) Publish(context.Context, broker.Publication) error { return nil }

type testEnv struct {
	router  *chi.Mux
	store   *store.Store
	auth    *auth.Service
	sources map[string]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	st := store.New(sqlDB)

	bus := progress.NewBus()
	pr := progress.NewStore(bus, time.Hour, time.Hour)
	t.Cleanup(pr.Stop)

	authsvc := auth.NewService("handlers-test", time.Hour)
	orc := pipeline.New(st, scan.New(), pr, nullPub{}, authsvc,
		config.Pipeline{FlushWindowMS: 10, StreamBatchSize: 10}, 0.000001)
	t.Cleanup(orc.Close)

	sources := map[string]string{"photos": t.TempDir()}

	jobsH := &JobsHandler{Store: st, Orc: orc, Sources: sources}
	scansH := &ScansHandler{Orc: orc}
	imagesH := &ImagesHandler{Store: st}
	filesH := &FilesHandler{Sources: sources}
	sourcesH := &SourcesHandler{Sources: sources}

	r := chi.NewRouter()
	r.Use(CorrelationID)
	r.Route("/api", func(r chi.Router) {
		r.Use(Auth(authsvc))
		r.Post("/jobs", jobsH.Create)
		r.Get("/jobs", jobsH.List)
		r.Get("/jobs/in-progress", jobsH.InProgress)
		r.Get("/jobs/{id}", jobsH.Get)
		r.Delete("/jobs/{id}", jobsH.Delete)
		r.Post("/jobs/{id}/scan", scansH.Start)
		r.Post("/scans/pause", scansH.Pause)
		r.Post("/scans/resume", scansH.Resume)
		r.Get("/scans/status", scansH.Status)
		r.Get("/jobs/{id}/images", imagesH.List)
		r.Get("/files", filesH.Serve)
		r.Get("/sources", sourcesH.List)
	})

	return &testEnv{router: r, store: st, auth: authsvc, sources: sources}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	token, err := e.auth.GenerateToken("tester")
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(broker.HeaderCorrelationID, "test-corr")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCorrelationIDRequired(t *testing.T) {
	e := newTestEnv(t)
	token, err := e.auth.GenerateToken("tester")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no correlation id: got %d", rec.Code)
	}
	body := decodeInto[ErrorBody](t, rec)
	if body.Error.Code != "MISSING_CORRELATION_ID" {
		t.Errorf("error code: %s", body.Error.Code)
	}

	// The query fallback exists for websocket clients.
	req = httptest.NewRequest(http.MethodGet, "/api/jobs?corr_id=c1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("query corr id: got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(broker.HeaderCorrelationID); got != "c1" {
		t.Errorf("echoed correlation id: %q", got)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set(broker.HeaderCorrelationID, "c1")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set(broker.HeaderCorrelationID, "c1")
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged token: got %d", rec.Code)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error.Code != "UNAUTHORIZED" {
		t.Errorf("error body: %s", rec.Body.String())
	}
}

func TestAuthAcceptsQueryToken(t *testing.T) {
	e := newTestEnv(t)
	token, err := e.auth.GenerateToken("tester")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?corr_id=c1&token="+token, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("query token: got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJob(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/jobs", map[string]string{
		"name":        "vacation",
		"description": "summer photos",
		"source":      "photos",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeInto[jobView](t, rec)
	if created.ID == "" || created.Name != "vacation" || created.Owner != "tester" {
		t.Errorf("created job: %+v", created)
	}
	if created.State != store.JobCreated || created.InProgress || created.Scanned {
		t.Errorf("initial state: %+v", created)
	}
	if rec.Header().Get(broker.HeaderCorrelationID) == "" {
		t.Error("no correlation id on response")
	}
}

func TestCreateJobRejectsUnknownSource(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/jobs", map[string]string{
		"name":   "x",
		"source": "nope",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown source: got %d", rec.Code)
	}
}

func TestListJobsPagination(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := e.store.CreateJob(ctx, &store.Job{
			ID:         uuid.NewString(),
			Name:       "job",
			SourceName: "photos",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := e.do(t, http.MethodGet, "/api/jobs?limit=2&order=asc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}
	page := decodeInto[ListResponse[jobView]](t, rec)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %+v", page)
	}

	var seen int
	cursor := page.NextCursor
	seen += len(page.Items)
	for cursor != "" {
		rec = e.do(t, http.MethodGet, "/api/jobs?limit=2&order=asc&cursor="+cursor, nil)
		page = decodeInto[ListResponse[jobView]](t, rec)
		seen += len(page.Items)
		cursor = page.NextCursor
	}
	if seen != 5 {
		t.Errorf("jobs across pages: got %d, want 5", seen)
	}
}

func TestGetJobNotFound(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/jobs/absent", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job: got %d", rec.Code)
	}
	body := decodeInto[ErrorBody](t, rec)
	if body.Error.Code != "NOT_FOUND" {
		t.Errorf("error code: %s", body.Error.Code)
	}
}

func TestDeleteJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := &store.Job{ID: uuid.NewString(), Name: "doomed", SourceName: "photos"}
	if err := e.store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodDelete, "/api/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: got %d: %s", rec.Code, rec.Body.String())
	}
	rec = e.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d", rec.Code)
	}
	rec = e.do(t, http.MethodDelete, "/api/jobs/"+job.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double delete: got %d", rec.Code)
	}
}

func TestStartScanMissingSource(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := &store.Job{
		ID:         uuid.NewString(),
		Name:       "ghost",
		SourceName: "photos",
		SourcePath: filepath.Join(t.TempDir(), "gone"),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/scan", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("missing source: got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestScanStatus exercises pause/resume and the status payload, which
// reports the pause flag alongside the active walk and the pending queue.
func TestScanStatus(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(t, http.MethodPost, "/api/scans/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause: got %d", rec.Code)
	}

	rec := e.do(t, http.MethodGet, "/api/scans/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	status := decodeInto[scan.Status](t, rec)
	if !status.Paused {
		t.Error("status not paused after pause")
	}
	if status.Active != nil || len(status.Queue) != 0 {
		t.Errorf("idle scanner reported work: %+v", status)
	}

	if rec := e.do(t, http.MethodPost, "/api/scans/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume: got %d", rec.Code)
	}
	status = decodeInto[scan.Status](t, e.do(t, http.MethodGet, "/api/scans/status", nil))
	if status.Paused {
		t.Error("status still paused after resume")
	}
}

func TestListImagesEmptyJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := &store.Job{ID: uuid.NewString(), Name: "empty", SourceName: "photos"}
	if err := e.store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/images", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list images: got %d", rec.Code)
	}
	page := decodeInto[ListResponse[store.ImageDetail]](t, rec)
	if len(page.Items) != 0 || page.NextCursor != "" {
		t.Errorf("empty job images: %+v", page)
	}
}

func TestServeFile(t *testing.T) {
	e := newTestEnv(t)
	root := e.sources["photos"]
	path := filepath.Join(root, "pic.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodGet, "/api/files?path="+path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("serve: got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "jpeg-bytes" {
		t.Errorf("body: %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("content type: %s", ct)
	}

	rec = e.do(t, http.MethodGet, "/api/files?path="+filepath.Join(root, "absent.jpg"), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing file: got %d", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/api/files?path=/etc/passwd", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outside sources: got %d", rec.Code)
	}
}

func TestListSources(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/sources", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sources: got %d", rec.Code)
	}
	items := decodeInto[[]sourceItem](t, rec)
	if len(items) != 1 || items[0].Name != "photos" {
		t.Errorf("sources: %+v", items)
	}
}
