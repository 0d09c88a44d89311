// CLAUDE:SUMMARY Job handlers — assignment, timeout sweep with daily quota reset, reward distribution, spot checks, economy runs
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/tribune/internal/consensus"
	"github.com/hazyhaar/tribune/internal/db"
	"github.com/hazyhaar/tribune/internal/economy"
)

// Job types processed by the worker pool.
const (
	JobPeerAssign       = "peer_assign"
	JobTimeoutSweep     = "timeout_sweep"
	JobRewardDistribute = "reward_distribute"
	JobSpotCheck        = "spot_check"
	JobEconomyHealth    = "economy_health"
	JobRateAdjust       = "rate_adjust"
)

// Deps carries the domain components the handlers drive.
type Deps struct {
	DB       *db.DB
	Assigner *consensus.Assigner
	Resolver *consensus.Resolver
	Rewarder *consensus.Rewarder
	Auditor  *consensus.Auditor
	Health   *economy.Health
	Adjuster *economy.Adjuster
	Logger   *slog.Logger
}

// RegisterHandlers binds every job type to its handler on the worker.
func RegisterHandlers(w *Worker, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w.Register(JobPeerAssign, func(ctx context.Context, job *db.Job) error {
		payload, err := decodeFollowUp(job)
		if err != nil {
			return err
		}
		return deps.Assigner.Assign(ctx, payload.SubmissionID, payload.SubmissionType)
	})

	w.Register(JobTimeoutSweep, func(ctx context.Context, job *db.Job) error {
		now := time.Now().UTC()
		resolved, err := deps.Resolver.Sweep(ctx, now)
		if err != nil {
			return err
		}
		if resolved > 0 {
			logger.Info("sweep resolved submissions", "count", resolved)
		}
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		reset, err := deps.DB.ResetDailyCounters(dayStart)
		if err != nil {
			return fmt.Errorf("resetting daily quotas: %w", err)
		}
		if reset > 0 {
			logger.Info("daily validator quotas reset", "count", reset)
		}
		return nil
	})

	w.Register(JobRewardDistribute, func(ctx context.Context, job *db.Job) error {
		payload, err := decodeFollowUp(job)
		if err != nil {
			return err
		}
		_, err = deps.Rewarder.DistributeRewards(ctx, payload.SubmissionID, payload.SubmissionType)
		return err
	})

	w.Register(JobSpotCheck, func(ctx context.Context, job *db.Job) error {
		payload, err := decodeFollowUp(job)
		if err != nil {
			return err
		}
		_, err = deps.Auditor.RunSpotCheck(ctx, payload.SubmissionID, payload.SubmissionType)
		return err
	})

	w.Register(JobEconomyHealth, func(ctx context.Context, job *db.Job) error {
		_, err := deps.Health.Run(ctx, time.Now().UTC())
		return err
	})

	w.Register(JobRateAdjust, func(ctx context.Context, job *db.Job) error {
		return deps.Adjuster.Run(ctx)
	})
}

func decodeFollowUp(job *db.Job) (*consensus.FollowUpPayload, error) {
	var payload consensus.FollowUpPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", job.Type, err)
	}
	if payload.SubmissionID == "" || payload.SubmissionType == "" {
		return nil, fmt.Errorf("%s payload missing submission reference", job.Type)
	}
	return &payload, nil
}
