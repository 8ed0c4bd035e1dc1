package pipeline

import (
	"context"
	"log/slog"

	"github.com/imgforge/imgforge/internal/broker"
	"github.com/imgforge/imgforge/internal/errkind"
	"github.com/imgforge/imgforge/internal/store"
)

// resultItem is one stage result awaiting its batched write. The delivery
// rides along so the message is only acknowledged after the write commits.
type resultItem struct {
	jobID string
	md5   string
	rec   store.StageRecord
	d     broker.Delivery
}

// ConsumeResults processes the results queue until ctx is cancelled.
// Workers publish with their stage name as the sender, which routes the
// result to the right extension table.
func (o *Orchestrator) ConsumeResults(ctx context.Context, consumer broker.Consumer) error {
	return consumer.Consume(ctx, ResultsQueue, o.handleResult)
}

// handleResult settles one stage result. Successful results are buffered
// and acknowledged only after the batch commits; failed results carry their
// errors in the envelope, count as processed, and are acknowledged
// immediately since there is nothing to persist.
func (o *Orchestrator) handleResult(ctx context.Context, env broker.Envelope, d broker.Delivery) {
	if _, err := o.auth.Verify(d.Token()); err != nil {
		slog.Warn("rejecting result with bad token",
			"job", env.JobID, "from", env.From, "corr_id", d.CorrID(), "error", err)
		_ = d.Reject(false)
		return
	}

	stage := store.Stage(env.From)
	buf, ok := o.results[stage]
	if !ok {
		slog.Warn("rejecting result from unknown stage",
			"job", env.JobID, "from", env.From, "corr_id", d.CorrID())
		_ = d.Reject(false)
		return
	}

	if len(env.Errors) > 0 {
		for _, msg := range env.Errors {
			o.progress.RegisterStageError(env.JobID, string(stage), msg)
		}
		if done := o.progress.UpdateForStage(env.JobID, string(stage), env.MD5); done {
			o.completeJob(env.JobID)
		}
		_ = d.Ack()
		return
	}

	buf.Enqueue(resultItem{
		jobID: env.JobID,
		md5:   env.MD5,
		rec:   store.StageRecord{MD5: env.MD5, Payload: env.Message},
		d:     d,
	})
}

// flushResultsFor builds the bulk write for one stage's result buffer.
// The whole batch is written in one transaction; every delivery in it is
// acknowledged after the commit, or rejected on failure — requeued when the
// failure looks transient, dead-lettered otherwise.
func (o *Orchestrator) flushResultsFor(stage store.Stage) func([]resultItem) {
	return func(batch []resultItem) {
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()

		records := make([]store.StageRecord, len(batch))
		for i, item := range batch {
			records[i] = item.rec
		}

		if _, err := o.store.UpsertStageData(ctx, stage, records); err != nil {
			requeue := errkind.IsTransient(err)
			slog.Error("stage batch write failed",
				"stage", stage, "count", len(batch), "requeue", requeue, "error", err)
			for _, item := range batch {
				_ = item.d.Reject(requeue)
			}
			return
		}

		for _, item := range batch {
			if done := o.progress.UpdateForStage(item.jobID, string(stage), item.md5); done {
				o.completeJob(item.jobID)
			}
			_ = item.d.Ack()
		}
	}
}
