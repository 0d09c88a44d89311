// CLAUDE:SUMMARY Singleton scheduler — periodic job enqueue with time-bucketed dedupe keys so multi-instance deployments run each once
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/tribune/internal/db"
)

// Scheduler enqueues the recurring jobs. Dedupe keys are derived from the
// time bucket, so several instances running the same scheduler produce one
// job per period between them.
type Scheduler struct {
	db            *db.DB
	sweepInterval time.Duration
	logger        *slog.Logger
}

func NewScheduler(database *db.DB, sweepInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Scheduler{db: database, sweepInterval: sweepInterval, logger: logger}
}

// Run ticks at the sweep interval and enqueues whatever periods have come
// due. Coarser jobs piggyback on the same ticker: their dedupe keys only
// change when their own period rolls over.
func (s *Scheduler) Run(ctx context.Context) error {
	s.enqueueDue(ctx, time.Now().UTC())
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.enqueueDue(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) enqueueDue(ctx context.Context, now time.Time) {
	sweepKey := fmt.Sprintf("timeout_sweep:%s", now.Truncate(s.sweepInterval).Format(time.RFC3339))
	s.enqueue(ctx, JobTimeoutSweep, sweepKey)

	healthKey := fmt.Sprintf("economy_health:%s", now.Format("2006-01-02T15"))
	s.enqueue(ctx, JobEconomyHealth, healthKey)

	year, week := now.ISOWeek()
	adjustKey := fmt.Sprintf("rate_adjust:%d-W%02d", year, week)
	s.enqueue(ctx, JobRateAdjust, adjustKey)
}

func (s *Scheduler) enqueue(ctx context.Context, jobType, dedupeKey string) {
	_, created, err := s.db.EnqueueJob(ctx, jobType, "{}", dedupeKey, time.Now().UTC(), 3)
	if err != nil {
		s.logger.Error("scheduled enqueue failed", "type", jobType, "error", err)
		return
	}
	if created {
		s.logger.Debug("scheduled job enqueued", "type", jobType, "key", dedupeKey)
	}
}
