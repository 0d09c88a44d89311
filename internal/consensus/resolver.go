// CLAUDE:SUMMARY Quorum resolution — verdict tallying, timeout escalation sweep, follow-up job fan-out
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/tribune/internal/db"
	"github.com/hazyhaar/tribune/internal/route"
)

// FollowUpPayload is the payload for reward and spot-check jobs.
type FollowUpPayload struct {
	SubmissionID   string `json:"submission_id"`
	SubmissionType string `json:"submission_type"`
}

// Resolver turns completed and expired evaluations into consensus results.
type Resolver struct {
	db           *db.DB
	spotCheckPct int
	logger       *slog.Logger
}

func NewResolver(database *db.DB, spotCheckPct int, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{db: database, spotCheckPct: spotCheckPct, logger: logger}
}

// CheckQuorum resolves a submission if its evaluations warrant it. Returns
// the consensus result when one exists (new or prior) and nil when the
// submission is still waiting on reviews. The result row is written at most
// once; concurrent checks settle on whichever insert won.
func (r *Resolver) CheckQuorum(ctx context.Context, submissionID, submissionType string) (*db.ConsensusResult, error) {
	if existing, err := r.db.GetConsensus(submissionID, submissionType); err == nil {
		return existing, nil
	} else if err != db.ErrNotFound {
		return nil, fmt.Errorf("checking existing consensus: %w", err)
	}

	sub, err := r.db.GetSubmission(submissionID, submissionType)
	if err != nil {
		return nil, fmt.Errorf("loading submission: %w", err)
	}
	quorum := QuorumFor(sub.AuthorTier)
	if sub.QuorumRequired != nil {
		quorum = *sub.QuorumRequired
	}

	evals, err := r.db.ListEvaluationsForSubmission(submissionID, submissionType)
	if err != nil {
		return nil, fmt.Errorf("listing evaluations: %w", err)
	}

	var completed []*db.PeerEvaluation
	pending := 0
	for _, ev := range evals {
		switch ev.Status {
		case "completed":
			completed = append(completed, ev)
		case "pending":
			pending++
		}
	}

	var outcome, reason string
	switch {
	case len(completed) >= quorum:
		outcome = tallyVerdicts(completed)
		reason = "quorum_met"
	case len(evals) > 0 && len(completed)+pending < quorum:
		// Too few slots left in flight for the quorum to ever be met.
		outcome = "escalated"
		reason = "timeout_escalation"
	default:
		return nil, nil
	}

	evalIDs := make([]string, 0, len(completed))
	for _, ev := range completed {
		evalIDs = append(evalIDs, ev.ID)
	}

	result, created, err := r.db.RecordConsensus(ctx, submissionID, submissionType, outcome, reason, evalIDs)
	if err != nil {
		return nil, fmt.Errorf("recording consensus: %w", err)
	}
	if !created {
		return result, nil
	}

	r.logger.Info("consensus reached",
		"submission_id", submissionID,
		"submission_type", submissionType,
		"outcome", outcome,
		"reason", reason,
		"evaluations", len(completed))

	if err := r.enqueueFollowUps(ctx, result, len(completed) > 0); err != nil {
		// Follow-up jobs are deduped; a later sweep or retry re-enqueues.
		r.logger.Warn("follow-up enqueue failed", "submission_id", submissionID, "error", err)
	}

	// The settled outcome changes every participant's track record.
	for _, ev := range evals {
		if err := r.db.RefreshValidatorStats(ev.ValidatorID); err != nil {
			r.logger.Warn("refreshing validator stats", "validator_id", ev.ValidatorID, "error", err)
		}
	}
	return result, nil
}

func (r *Resolver) enqueueFollowUps(ctx context.Context, result *db.ConsensusResult, hasCompleted bool) error {
	payload, _ := json.Marshal(FollowUpPayload{
		SubmissionID:   result.SubmissionID,
		SubmissionType: result.SubmissionType,
	})
	now := time.Now().UTC()

	if hasCompleted {
		key := "reward:" + result.SubmissionID + ":" + result.SubmissionType
		if _, _, err := r.db.EnqueueJob(ctx, "reward_distribute", string(payload), key, now, 5); err != nil {
			return err
		}
	}

	if result.Outcome != "escalated" && route.SampledForSpotCheck(result.SubmissionID, r.spotCheckPct) {
		key := "spotcheck:" + result.SubmissionID + ":" + result.SubmissionType
		if _, _, err := r.db.EnqueueJob(ctx, "spot_check", string(payload), key, now, 3); err != nil {
			return err
		}
	}
	return nil
}

// Sweep expires overdue evaluations and re-checks every affected submission.
// Submissions that can no longer reach quorum escalate; the rest wait.
func (r *Resolver) Sweep(ctx context.Context, now time.Time) (int, error) {
	affected, err := r.db.ExpireOverdueEvaluations(now)
	if err != nil {
		return 0, fmt.Errorf("expiring evaluations: %w", err)
	}
	resolved := 0
	for _, pair := range affected {
		result, err := r.CheckQuorum(ctx, pair[0], pair[1])
		if err != nil {
			r.logger.Error("sweep quorum check failed",
				"submission_id", pair[0], "submission_type", pair[1], "error", err)
			continue
		}
		if result != nil {
			resolved++
		}
	}
	return resolved, nil
}

// tallyVerdicts derives the outcome from completed evaluations. Flags count
// toward rejection. A tie cannot be settled by peers and escalates.
func tallyVerdicts(completed []*db.PeerEvaluation) string {
	approve, reject := 0, 0
	for _, ev := range completed {
		if ev.Verdict == nil {
			continue
		}
		switch *ev.Verdict {
		case "approve":
			approve++
		case "reject", "flag":
			reject++
		}
	}
	switch {
	case approve > reject:
		return "approved"
	case reject > approve:
		return "rejected"
	default:
		return "escalated"
	}
}
