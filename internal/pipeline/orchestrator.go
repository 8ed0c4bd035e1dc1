// Package pipeline ties the pieces together: it drives scans, buffers
// catalog writes, fans extraction work out over the message channel, and
// folds stage results back into the store and the progress aggregate.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/imgforge/imgforge/internal/auth"
	"github.com/imgforge/imgforge/internal/broker"
	"github.com/imgforge/imgforge/internal/config"
	"github.com/imgforge/imgforge/internal/media"
	"github.com/imgforge/imgforge/internal/progress"
	"github.com/imgforge/imgforge/internal/scan"
	"github.com/imgforge/imgforge/internal/store"
)

// ResultsQueue carries stage results back to the coordinator.
const ResultsQueue = "results"

// StageQueue returns the work queue name for a stage.
func StageQueue(st store.Stage) string {
	return "stage." + string(st)
}

// Queues lists every queue the coordinator declares and uses.
func Queues() []string {
	qs := make([]string, 0, len(store.Stages)+1)
	for _, st := range store.Stages {
		qs = append(qs, StageQueue(st))
	}
	return append(qs, ResultsQueue)
}

// dbTimeout bounds store writes issued from timer and consumer goroutines,
// which have no request context.
const dbTimeout = 30 * time.Second

// Orchestrator owns the job lifecycle from scan kickoff to completion.
type Orchestrator struct {
	store    *store.Store
	scanner  *scan.Scanner
	progress *progress.Store
	pub      broker.Publisher
	auth     *auth.Service
	cfg      config.Pipeline

	minFileSizeMB float64

	images  *store.Buffer[store.Image]
	results map[store.Stage]*store.Buffer[resultItem]
}

// New wires an Orchestrator. The image buffer and one result buffer per
// stage are armed immediately; Close flushes them.
func New(st *store.Store, sc *scan.Scanner, pr *progress.Store, pub broker.Publisher, authsvc *auth.Service, cfg config.Pipeline, minFileSizeMB float64) *Orchestrator {
	o := &Orchestrator{
		store:         st,
		scanner:       sc,
		progress:      pr,
		pub:           pub,
		auth:          authsvc,
		cfg:           cfg,
		minFileSizeMB: minFileSizeMB,
		results:       make(map[store.Stage]*store.Buffer[resultItem]),
	}

	window := time.Duration(cfg.FlushWindowMS) * time.Millisecond
	o.images = store.NewBuffer("images", window, o.flushImages)
	for _, stage := range store.Stages {
		o.results[stage] = store.NewBuffer("results."+string(stage), window, o.flushResultsFor(stage))
	}
	return o
}

// StartScan kicks off (or queues) the directory walk for a job. The
// returned state tells the caller whether the walk started, queued behind
// another, was already running for the same location, or the source is gone.
func (o *Orchestrator) StartScan(ctx context.Context, jobID string) (scan.State, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}

	o.progress.AddJob(jobID)

	ev := scan.Events{
		OnFile: func(fi scan.FileInfo) { o.handleFile(job, fi) },
		OnSkip: func(string) { o.progress.RegisterFileSkipped(jobID) },
		OnError: func(msg string) {
			o.progress.RegisterFileScanError(jobID, msg)
			slog.Warn("scan error", "job", jobID, "error", msg)
		},
		OnComplete: func() { o.handleScanComplete(job) },
	}

	state := o.scanner.Scan(jobID, job.SourcePath, o.minFileSizeMB, ev)
	switch state {
	case scan.Started, scan.Pending:
		if err := o.store.SetJobState(ctx, jobID, store.JobScanning); err != nil {
			return state, err
		}
	case scan.SourceMissing:
		o.progress.RemoveJob(jobID)
	}
	return state, nil
}

// Pause suspends the active walk; Resume continues it.
func (o *Orchestrator) Pause()       { o.scanner.Pause() }
func (o *Orchestrator) Resume()      { o.scanner.Resume() }
func (o *Orchestrator) Paused() bool { return o.scanner.IsPaused() }

// ScanStatus reports the active walk, the pending queue, and the pause flag.
func (o *Orchestrator) ScanStatus() scan.Status { return o.scanner.Status() }

// DeleteJob cancels any walk the job owns, drops its progress state, and
// removes it from the store along with images no other job owns. Stage
// results still in flight for the job become no-ops.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID string) error {
	o.scanner.Cancel(jobID)
	o.progress.RemoveJob(jobID)
	return o.store.DeleteJob(ctx, jobID)
}

// Close flushes the image buffer and every result buffer. Call on shutdown
// after the consumers have stopped.
func (o *Orchestrator) Close() {
	o.images.Close()
	for _, b := range o.results {
		b.Close()
	}
}

// handleFile catalogs one discovered file. Runs on the scanner goroutine.
func (o *Orchestrator) handleFile(job *store.Job, fi scan.FileInfo) {
	o.progress.StartJob(job.ID)

	format := media.Detect(fi.Path)
	o.progress.UpdateForFileScan(job.ID, fi, string(format))
	if format == media.FormatOther {
		return
	}

	md5sum, sha1sum, err := media.Fingerprint(fi.Path)
	if err != nil {
		o.progress.RegisterFileScanError(job.ID, err.Error())
		return
	}

	img := store.Image{
		MD5:      md5sum,
		SHA1:     sha1sum,
		Path:     fi.Path,
		Filename: fi.Name,
		Format:   string(format),
		MimeType: media.ContentType(fi.Path),
		SizeMB:   fi.SizeMB,
		JobIDs:   []string{job.ID},
	}
	if attrs, err := media.Attributes(fi.Path); err != nil {
		// Catalog the file anyway; the fingerprint is what dedup needs.
		o.progress.RegisterFileScanError(job.ID, err.Error())
	} else {
		img.Width = attrs.Width
		img.Height = attrs.Height
		img.Colorspace = attrs.Colorspace
		img.BitDepth = attrs.BitDepth
		img.Resolution = attrs.Resolution
	}

	o.images.Enqueue(img)
}

// handleScanComplete finalizes the scan pass and dispatches extraction.
// Runs on the scanner goroutine.
func (o *Orchestrator) handleScanComplete(job *store.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	o.progress.StartJob(job.ID)

	// Every discovered image must be durable before stage totals are
	// computed, or the totals undercount.
	o.images.Flush()

	snap := o.progress.CompleteFileScan(job.ID)
	err := o.store.UpdateScanCounters(ctx, job.ID, snap.Images, snap.JPEGs, snap.PNGs, store.JobExtracting)
	if err != nil {
		slog.Error("persist scan counters", "job", job.ID, "error", err)
	}
	slog.Info("scan finished", "job", job.ID,
		"files", snap.Files, "images", snap.Images, "errors", len(snap.Errors))

	if err := o.dispatchStages(job); err != nil {
		slog.Error("stage dispatch failed", "job", job.ID, "error", err)
		o.failJob(job.ID)
	}
}

// dispatchStages registers every stage's work total with the progress
// aggregate, then streams the work out to the stage queues. Registration
// for all stages happens before any message is published so an early
// result can never observe a partially-registered total and fire the
// completion signal too soon.
func (o *Orchestrator) dispatchStages(job *store.Job) error {
	counts := make(map[store.Stage]int64, len(store.Stages))
	var total int64
	for _, stage := range store.Stages {
		n, err := o.countMissing(job.ID, stage)
		if err != nil {
			return err
		}
		counts[stage] = n
		total += n
		o.progress.StartNewStage(job.ID, string(stage), n)
	}

	if total == 0 {
		slog.Info("no extraction work, job complete", "job", job.ID)
		o.completeJob(job.ID)
		return nil
	}

	token, err := o.auth.GenerateToken(job.Owner)
	if err != nil {
		return err
	}
	corrID := uuid.NewString()

	// The stream-and-publish loop runs one message per image per stage
	// and scales with the job, so it carries no deadline; each page
	// query and publish is short on its own and dispatch failures
	// surface as errors regardless.
	ctx := context.Background()
	for _, stage := range store.Stages {
		if counts[stage] == 0 {
			continue
		}
		err := o.store.StreamMissing(ctx, job.ID, stage, o.cfg.StreamBatchSize, func(img store.Image) error {
			return o.pub.Publish(ctx, broker.Publication{
				Queue:    StageQueue(stage),
				JobID:    job.ID,
				MD5:      img.MD5,
				Filepath: img.Path,
				CorrID:   corrID,
				Token:    token,
			})
		})
		if err != nil {
			return err
		}
		slog.Info("stage dispatched", "job", job.ID, "stage", stage, "count", counts[stage])
	}
	return nil
}

// countMissing counts one stage's remaining work under its own statement
// timeout, so the bound covers a single query rather than the whole
// dispatch pass.
func (o *Orchestrator) countMissing(jobID string, stage store.Stage) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	return o.store.CountMissing(ctx, jobID, stage)
}

// flushImages is the image buffer's bulk write.
func (o *Orchestrator) flushImages(batch []store.Image) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	n, err := o.store.UpsertImages(ctx, batch)
	if err != nil {
		slog.Error("image batch write failed", "count", len(batch), "error", err)
		return
	}
	slog.Debug("image batch written", "batch", len(batch), "distinct", n)
}

func (o *Orchestrator) completeJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := o.store.SetJobState(ctx, jobID, store.JobComplete); err != nil {
		slog.Error("mark job complete", "job", jobID, "error", err)
		return
	}
	slog.Info("job complete", "job", jobID)
}

func (o *Orchestrator) failJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := o.store.SetJobState(ctx, jobID, store.JobFailed); err != nil {
		slog.Error("mark job failed", "job", jobID, "error", err)
	}
}
