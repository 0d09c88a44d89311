// CLAUDE:SUMMARY Credit settlement — re-runnable evaluation reward distribution, hardship-aware submission costs, evidence rewards
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/tribune/internal/db"
)

// Settings and flag names the settlement layer reads.
const (
	SettingRewardMultiplier = "reward_multiplier"
	SettingCostMultiplier   = "cost_multiplier"
	FlagSubmissionCosts     = "submission_costs_enabled"
)

// Rewarder settles credits for evaluations, submissions and evidence.
type Rewarder struct {
	db                *db.DB
	hardshipThreshold int64
	logger            *slog.Logger
}

func NewRewarder(database *db.DB, hardshipThreshold int64, logger *slog.Logger) *Rewarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewarder{db: database, hardshipThreshold: hardshipThreshold, logger: logger}
}

// DistributeRewards pays every completed evaluation of a submission that has
// not been paid yet. Each payment is pinned by the evaluation's idempotency
// key and recorded on the evaluation row, so the whole pass can re-run after
// a partial failure without double-paying anyone.
func (r *Rewarder) DistributeRewards(ctx context.Context, submissionID, submissionType string) (int, error) {
	evals, err := r.db.ListEvaluationsForSubmission(submissionID, submissionType)
	if err != nil {
		return 0, fmt.Errorf("listing evaluations: %w", err)
	}
	multiplier, err := r.db.GetSettingFloat(SettingRewardMultiplier, 1.0)
	if err != nil {
		return 0, fmt.Errorf("reading reward multiplier: %w", err)
	}

	paid := 0
	for _, ev := range evals {
		if ev.Status != "completed" || ev.RewardTxID != nil {
			continue
		}
		validator, err := r.db.GetValidator(ev.ValidatorID)
		if err != nil {
			return paid, fmt.Errorf("loading validator %s: %w", ev.ValidatorID, err)
		}
		amount := EvaluationReward(validator.Tier, multiplier)

		result, err := r.db.Earn(ctx, ev.AgentID, amount,
			"evaluation_reward", "peer_evaluation", ev.ID,
			"validation:"+ev.ID, "")
		if err != nil {
			return paid, fmt.Errorf("paying evaluation %s: %w", ev.ID, err)
		}
		if _, err := r.db.SetRewardTx(ev.ID, result.TransactionID); err != nil {
			return paid, fmt.Errorf("recording reward tx on %s: %w", ev.ID, err)
		}
		if !result.Duplicate {
			paid++
		}
	}

	if paid > 0 {
		r.logger.Info("evaluation rewards paid",
			"submission_id", submissionID,
			"submission_type", submissionType,
			"count", paid)
	}
	return paid, nil
}

// ChargeSubmission debits the author for a new submission. Three exits leave
// the ledger untouched: the cost flag is off, the author's balance is below
// the hardship threshold, or this content ID was already charged. Only a
// genuine shortfall at or above the hardship line surfaces
// ErrInsufficientBalance.
func (r *Rewarder) ChargeSubmission(ctx context.Context, authorID, contentID, submissionType string) (*db.LedgerResult, error) {
	enabled, err := r.db.GetFlag(FlagSubmissionCosts, true)
	if err != nil {
		return nil, fmt.Errorf("reading cost flag: %w", err)
	}
	if !enabled {
		return nil, nil
	}

	balance, err := r.db.AgentBalance(authorID)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	if balance < r.hardshipThreshold {
		r.logger.Debug("hardship protection applied", "agent_id", authorID, "balance", balance)
		return nil, nil
	}

	multiplier, err := r.db.GetSettingFloat(SettingCostMultiplier, 1.0)
	if err != nil {
		return nil, fmt.Errorf("reading cost multiplier: %w", err)
	}
	cost := SubmissionCost(submissionType, multiplier)

	result, err := r.db.Spend(ctx, authorID, cost,
		"submission_cost", "submission", contentID,
		"submission:"+contentID, "")
	if errors.Is(err, db.ErrInsufficientBalance) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("charging submission: %w", err)
	}
	return result, nil
}

// RewardEvidence pays an agent for accepted supporting evidence. Keyed by
// evidence ID, so resubmitting the same evidence earns nothing extra.
func (r *Rewarder) RewardEvidence(ctx context.Context, agentID, evidenceID string) (*db.LedgerResult, error) {
	multiplier, err := r.db.GetSettingFloat(SettingRewardMultiplier, 1.0)
	if err != nil {
		return nil, fmt.Errorf("reading reward multiplier: %w", err)
	}
	result, err := r.db.Earn(ctx, agentID, EvidenceReward(multiplier),
		"evidence_reward", "evidence", evidenceID,
		"evidence-reward:"+evidenceID, "")
	if err != nil {
		return nil, fmt.Errorf("paying evidence reward: %w", err)
	}
	return result, nil
}
