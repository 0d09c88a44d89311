// CLAUDE:SUMMARY Queue worker — claims jobs in a poll loop, dispatches to registered handlers, settles complete/fail
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/tribune/internal/db"
)

// HandlerFunc processes one claimed job. A returned error sends the job back
// through the retry/backoff path.
type HandlerFunc func(ctx context.Context, job *db.Job) error

// Worker polls the job queue and runs registered handlers.
type Worker struct {
	db       *db.DB
	handlers map[string]HandlerFunc
	types    []string
	interval time.Duration
	logger   *slog.Logger
}

func New(database *db.DB, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Worker{
		db:       database,
		handlers: make(map[string]HandlerFunc),
		interval: interval,
		logger:   logger,
	}
}

// Register binds a handler to a job type. Must be called before Run.
func (w *Worker) Register(jobType string, h HandlerFunc) {
	w.handlers[jobType] = h
	w.types = append(w.types, jobType)
}

// Run polls until the context is cancelled. An empty queue sleeps one poll
// interval; a claimed job is processed immediately and the next claim follows
// without sleeping, so bursts drain at full speed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.db.ClaimNextJob(ctx, w.types)
		if err != nil {
			w.logger.Error("job claim failed", "error", err)
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.interval):
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *db.Job) {
	start := time.Now()
	handler, ok := w.handlers[job.Type]
	if !ok {
		// Should not happen: claims are filtered to registered types.
		w.fail(ctx, job, fmt.Errorf("no handler for job type %s", job.Type))
		return
	}

	if err := handler(ctx, job); err != nil {
		w.logger.Warn("job failed",
			"job_id", job.ID, "type", job.Type,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts,
			"error", err)
		w.fail(ctx, job, err)
		return
	}

	if err := w.db.CompleteJob(ctx, job.ID); err != nil {
		w.logger.Error("job completion failed", "job_id", job.ID, "error", err)
		return
	}
	w.logger.Debug("job completed",
		"job_id", job.ID, "type", job.Type, "duration_ms", time.Since(start).Milliseconds())
}

func (w *Worker) fail(ctx context.Context, job *db.Job, jobErr error) {
	if err := w.db.FailJob(ctx, job.ID, jobErr); err != nil {
		w.logger.Error("job failure recording failed", "job_id", job.ID, "error", err)
	}
	if job.Attempts >= job.MaxAttempts {
		w.logger.Error("job dead-lettered",
			"job_id", job.ID, "type", job.Type, "error", jobErr)
	}
}
