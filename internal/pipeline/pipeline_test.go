package pipeline

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/imgforge/imgforge/internal/auth"
	"github.com/imgforge/imgforge/internal/broker"
	"github.com/imgforge/imgforge/internal/config"
	"github.com/imgforge/imgforge/internal/db"
	"github.com/imgforge/imgforge/internal/progress"
	"github.com/imgforge/imgforge/internal/scan"
	"github.com/imgforge/imgforge/internal/store"
)

// fakePub records publications in place of a live broker.
type fakePub struct {
	mu        sync.Mutex
	pubs      []broker.Publication
	deadlined bool
}

func (p *fakePub) Publish(ctx context.Context, pub broker.Publication) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := ctx.Deadline(); ok {
		p.deadlined = true
	}
	p.pubs = append(p.pubs, pub)
	return nil
}

func (p *fakePub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pubs)
}

func (p *fakePub) all() []broker.Publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Publication(nil), p.pubs...)
}

// fakeDelivery settles in memory.
type fakeDelivery struct {
	mu       sync.Mutex
	acked    bool
	rejected bool
	requeued bool
	token    string
}

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected = true
	d.requeued = requeue
	return nil
}

func (d *fakeDelivery) CorrID() string { return "test-corr" }
func (d *fakeDelivery) Token() string  { return d.token }

func (d *fakeDelivery) settled() (acked, rejected, requeued bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.rejected, d.requeued
}

func mustOpenStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := db.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return store.New(sqlDB)
}

func newOrchestrator(t *testing.T, st *store.Store, pub broker.Publisher) (*Orchestrator, *progress.Store, *auth.Service) {
	t.Helper()
	bus := progress.NewBus()
	pr := progress.NewStore(bus, time.Hour, time.Hour)
	t.Cleanup(pr.Stop)

	authsvc := auth.NewService("pipeline-test", 0)
	cfg := config.Pipeline{FlushWindowMS: 10, StreamBatchSize: 10}

	o := New(st, scan.New(), pr, pub, authsvc, cfg, 0.000005)
	t.Cleanup(o.Close)
	return o, pr, authsvc
}

// writeSourceDir creates the scan source: one real JPEG, one real PNG, and
// one file below the size filter.
func writeSourceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}

	jf, err := os.Create(filepath.Join(dir, "a.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if err := jpeg.Encode(jf, img, nil); err != nil {
		t.Fatal(err)
	}
	jf.Close()

	pf, err := os.Create(filepath.Join(dir, "b.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(pf, img); err != nil {
		t.Fatal(err)
	}
	pf.Close()

	if err := os.WriteFile(filepath.Join(dir, "c.jpg"), []byte("xx"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func mustCreateJob(t *testing.T, st *store.Store, sourcePath string) *store.Job {
	t.Helper()
	job := &store.Job{
		ID:         uuid.NewString(),
		Name:       "test job",
		SourceName: "test",
		SourcePath: sourcePath,
		Owner:      "tester",
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestPipelineEndToEnd drives a full job: scan a directory of two images
// plus one filtered file, verify the dispatched stage work, feed results
// back as a worker would, and check the job lands in the complete state
// with all stage data written.
func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := mustOpenStore(t)
	pub := &fakePub{}
	o, pr, authsvc := newOrchestrator(t, st, pub)

	dir := writeSourceDir(t)
	job := mustCreateJob(t, st, dir)

	state, err := o.StartScan(ctx, job.ID)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if state != scan.Started {
		t.Fatalf("scan state: got %v, want started", state)
	}

	// Three stages times two images.
	waitFor(t, "stage dispatch", func() bool { return pub.count() == 6 })

	// Dispatch volume scales with the job, so its publishes must not run
	// under a fixed statement deadline that a large job would blow past.
	pub.mu.Lock()
	deadlined := pub.deadlined
	pub.mu.Unlock()
	if deadlined {
		t.Error("dispatch published under a deadline-bounded context")
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.JobExtracting {
		t.Errorf("job state after scan: got %s", got.State)
	}
	if got.Images != 2 || got.JPEGCount != 1 || got.PNGCount != 1 {
		t.Errorf("job counters: images=%d jpeg=%d png=%d", got.Images, got.JPEGCount, got.PNGCount)
	}

	snap, ok := pr.Snapshot(job.ID)
	if !ok {
		t.Fatal("no progress snapshot")
	}
	if snap.Scan.Files != 3 || snap.Scan.Images != 2 {
		t.Errorf("scan snapshot: files=%d images=%d", snap.Scan.Files, snap.Scan.Images)
	}
	if out := pr.Outstanding(job.ID); out != 6 {
		t.Errorf("outstanding: got %d, want 6", out)
	}

	// Play the workers: answer every publication with a success result.
	var deliveries []*fakeDelivery
	for _, p := range pub.all() {
		stage := strings.TrimPrefix(p.Queue, "stage.")
		payload, _ := json.Marshal(map[string]string{"stage": stage})
		d := &fakeDelivery{token: p.Token}
		deliveries = append(deliveries, d)
		o.handleResult(ctx, broker.Envelope{
			From:    stage,
			JobID:   p.JobID,
			MD5:     p.MD5,
			Errors:  []string{},
			Message: payload,
		}, d)
	}

	waitFor(t, "job completion", func() bool {
		j, err := st.GetJob(ctx, job.ID)
		return err == nil && j.State == store.JobComplete
	})
	if out := pr.Outstanding(job.ID); out != 0 {
		t.Errorf("outstanding after completion: %d", out)
	}

	for i, d := range deliveries {
		acked, rejected, _ := d.settled()
		if !acked || rejected {
			t.Errorf("delivery %d: acked=%v rejected=%v", i, acked, rejected)
		}
	}

	images, _, err := st.ListImages(ctx, job.ID, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 2 {
		t.Fatalf("cataloged images: got %d, want 2", len(images))
	}
	for _, img := range images {
		if img.Metadata == nil || img.Faces == nil || img.Tags == nil {
			t.Errorf("image %s missing stage data: %+v", img.MD5, img)
		}
		if img.Width != 32 || img.Height != 32 {
			t.Errorf("image %s dimensions: %dx%d", img.MD5, img.Width, img.Height)
		}
	}

	// The token on dispatched work must verify against the issuing service.
	if _, err := authsvc.Verify(pub.all()[0].Token); err != nil {
		t.Errorf("dispatched token does not verify: %v", err)
	}
}

// TestPipelineCompletesEmptyJob scans an empty directory; with no work to
// dispatch the job must go straight to complete.
func TestPipelineCompletesEmptyJob(t *testing.T) {
	ctx := context.Background()
	st := mustOpenStore(t)
	pub := &fakePub{}
	o, _, _ := newOrchestrator(t, st, pub)

	job := mustCreateJob(t, st, t.TempDir())
	if _, err := o.StartScan(ctx, job.ID); err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	waitFor(t, "empty job completion", func() bool {
		j, err := st.GetJob(ctx, job.ID)
		return err == nil && j.State == store.JobComplete
	})
	if pub.count() != 0 {
		t.Errorf("work dispatched for empty job: %d", pub.count())
	}
}

func TestStartScanMissingSource(t *testing.T) {
	ctx := context.Background()
	st := mustOpenStore(t)
	o, _, _ := newOrchestrator(t, st, &fakePub{})

	job := mustCreateJob(t, st, filepath.Join(t.TempDir(), "gone"))
	state, err := o.StartScan(ctx, job.ID)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if state != scan.SourceMissing {
		t.Errorf("state: got %v, want source-missing", state)
	}

	j, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != store.JobCreated {
		t.Errorf("job state mutated on missing source: %s", j.State)
	}
}

// TestHandleResultWithErrors verifies a failed stage item counts toward
// completion, records its errors, writes nothing, and is acknowledged.
func TestHandleResultWithErrors(t *testing.T) {
	ctx := context.Background()
	st := mustOpenStore(t)
	o, pr, authsvc := newOrchestrator(t, st, &fakePub{})

	const jobID = "job-err"
	pr.StartJob(jobID)
	pr.StartNewStage(jobID, string(store.StageFaces), 1)

	token, err := authsvc.GenerateToken("tester")
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDelivery{token: token}
	o.handleResult(ctx, broker.Envelope{
		From:   string(store.StageFaces),
		JobID:  jobID,
		MD5:    "abc",
		Errors: []string{"decode failed"},
	}, d)

	acked, _, _ := d.settled()
	if !acked {
		t.Error("errored result not acknowledged")
	}
	if out := pr.Outstanding(jobID); out != 0 {
		t.Errorf("outstanding: got %d, want 0", out)
	}
	u, _ := pr.Snapshot(jobID)
	if len(u.Stages) != 1 || len(u.Stages[0].Errors) != 1 {
		t.Errorf("stage errors not recorded: %+v", u.Stages)
	}
}

// TestHandleResultRejectsBadToken verifies an unverifiable result is
// dead-lettered, not processed.
func TestHandleResultRejectsBadToken(t *testing.T) {
	ctx := context.Background()
	st := mustOpenStore(t)
	o, pr, _ := newOrchestrator(t, st, &fakePub{})

	pr.StartJob("j")
	pr.StartNewStage("j", string(store.StageTags), 1)

	d := &fakeDelivery{token: "forged"}
	o.handleResult(ctx, broker.Envelope{From: string(store.StageTags), JobID: "j", MD5: "abc"}, d)

	acked, rejected, requeued := d.settled()
	if acked || !rejected || requeued {
		t.Errorf("settlement: acked=%v rejected=%v requeued=%v", acked, rejected, requeued)
	}
	if out := pr.Outstanding("j"); out != 1 {
		t.Errorf("outstanding mutated by rejected result: %d", out)
	}
}

// TestDeleteJobCancelsScan deletes a job while its walk is paused and
// verifies the walk aborts and the job is gone.
func TestDeleteJobCancelsScan(t *testing.T) {
	ctx := context.Background()
	st := mustOpenStore(t)
	o, pr, _ := newOrchestrator(t, st, &fakePub{})

	dir := writeSourceDir(t)
	job := mustCreateJob(t, st, dir)

	o.Pause()
	if _, err := o.StartScan(ctx, job.ID); err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	if err := o.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	o.Resume()

	if _, err := st.GetJob(ctx, job.ID); err == nil {
		t.Error("job still present after delete")
	}
	if _, ok := pr.Snapshot(job.ID); ok {
		t.Error("progress still tracked after delete")
	}

	// The cancelled walk must never mark the job extracting or dispatch
	// work; give it a moment to prove it stays quiet.
	time.Sleep(50 * time.Millisecond)
}
