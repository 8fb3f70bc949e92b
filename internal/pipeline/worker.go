package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultLeaseVisibility = 15 * time.Minute

// JobProcessor runs one attempt of a job. *Processor implements this; the
// interface exists so Worker can be driven by a fake in tests without
// exercising the real probe/transcode/pin pipeline.
type JobProcessor interface {
	Process(ctx context.Context, job Job) error
}

// Worker repeatedly leases jobs from a Queue and runs them through a
// JobProcessor, handling retry/backoff and dead-lettering once a job
// exhausts its retry budget (spec §4.D.2).
type Worker struct {
	Queue       Queue
	Processor   JobProcessor
	Log         *zap.Logger
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// PollInterval governs how often an idle worker checks for new work.
	PollInterval time.Duration
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce drains the queue's current backlog, leasing and processing one
// job at a time until it comes up empty. Exported for callers that drive
// their own tick loop (e.g. a periodic scheduler) instead of calling Run.
func (w *Worker) PollOnce(ctx context.Context) {
	for w.runOnce(ctx) {
	}
}

// runOnce leases and processes a single job, returning true if a job was
// found (so the caller can drain the backlog before waiting on the
// ticker again).
func (w *Worker) runOnce(ctx context.Context) bool {
	leased, err := w.Queue.Lease(ctx, defaultLeaseVisibility)
	if err != nil {
		w.Log.Error("failed to lease job", zap.Error(err))
		return false
	}
	if leased == nil {
		return false
	}

	err = w.Processor.Process(ctx, leased.Job)
	if err == nil {
		if err := w.Queue.Ack(ctx, leased); err != nil {
			w.Log.Error("failed to ack job", zap.String("upload_id", leased.Job.UploadID), zap.Error(err))
		}
		return true
	}

	maxAttempts := w.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if !isRetryable(err) || leased.Job.Attempt+1 >= maxAttempts {
		if rq, ok := w.Queue.(*RedisQueue); ok {
			rq.EmitToDeadLetter(ctx, leased.Job, err)
		}
		if ackErr := w.Queue.Ack(ctx, leased); ackErr != nil {
			w.Log.Error("failed to ack exhausted job", zap.String("upload_id", leased.Job.UploadID), zap.Error(ackErr))
		}
		w.Log.Error("pipeline job exhausted retries", zap.String("upload_id", leased.Job.UploadID), zap.Error(err))
		return true
	}

	delay := w.nextBackoff(leased.Job.Attempt)
	if nackErr := w.Queue.Nack(ctx, leased, delay); nackErr != nil {
		w.Log.Error("failed to nack job", zap.String("upload_id", leased.Job.UploadID), zap.Error(nackErr))
	}
	return true
}

func (w *Worker) nextBackoff(attempt int) time.Duration {
	base := w.BackoffBase
	if base <= 0 {
		base = 5 * time.Second
	}
	cap := w.BackoffCap
	if cap <= 0 {
		cap = 10 * time.Minute
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	return delay
}
