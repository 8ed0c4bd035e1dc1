// Package worker is the shared runtime for stage workers: consume one
// stage queue, run the extraction function per file, and publish the
// result — success or failure — back on the results queue.
package worker

import (
	"context"
	"log/slog"

	"github.com/imgforge/imgforge/internal/broker"
	"github.com/imgforge/imgforge/internal/errkind"
	"github.com/imgforge/imgforge/internal/pipeline"
	"github.com/imgforge/imgforge/internal/store"
)

// StageFunc extracts one stage's data from the file at path. The returned
// value is marshaled into the result message.
type StageFunc func(path string) (any, error)

// channel is the broker surface a worker needs.
type channel interface {
	broker.Publisher
	broker.Consumer
}

// Worker runs one extraction stage. Each inbound message is processed on
// its own goroutine, bounded by the concurrency limit; the broker prefetch
// caps how many are in flight regardless.
type Worker struct {
	stage       store.Stage
	fn          StageFunc
	ch          channel
	concurrency int
}

// New creates a Worker for stage backed by fn.
func New(stage store.Stage, fn StageFunc, ch channel, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{stage: stage, fn: fn, ch: ch, concurrency: concurrency}
}

// Run consumes the stage queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("stage worker starting", "stage", w.stage, "concurrency", w.concurrency)
	sem := make(chan struct{}, w.concurrency)
	return w.ch.Consume(ctx, pipeline.StageQueue(w.stage), func(ctx context.Context, env broker.Envelope, d broker.Delivery) {
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			w.process(ctx, env, d)
		}()
	})
}

// process runs the stage function for one file and settles the delivery.
// A failed extraction is still a result: the error rides back in the
// envelope so the coordinator can count the item and surface the message.
// Only a transient failure, or a failure to publish the result at all,
// leaves the work on the queue for redelivery.
func (w *Worker) process(ctx context.Context, env broker.Envelope, d broker.Delivery) {
	var errs []string
	payload, err := w.fn(env.Filepath)
	if err != nil {
		if errkind.IsTransient(err) {
			slog.Warn("transient stage failure, requeueing",
				"stage", w.stage, "file", env.Filepath, "corr_id", d.CorrID(), "error", err)
			_ = d.Reject(true)
			return
		}
		slog.Warn("stage extraction failed",
			"stage", w.stage, "file", env.Filepath, "corr_id", d.CorrID(), "error", err)
		errs = []string{err.Error()}
		payload = nil
	}

	err = w.ch.Publish(ctx, broker.Publication{
		Queue:    pipeline.ResultsQueue,
		JobID:    env.JobID,
		MD5:      env.MD5,
		Filepath: env.Filepath,
		CorrID:   d.CorrID(),
		Token:    d.Token(),
		Errors:   errs,
		Payload:  payload,
	})
	if err != nil {
		// The result never left; redeliver the work rather than lose it.
		slog.Error("result publish failed, requeueing work",
			"stage", w.stage, "file", env.Filepath, "corr_id", d.CorrID(), "error", err)
		_ = d.Reject(true)
		return
	}
	_ = d.Ack()
}
