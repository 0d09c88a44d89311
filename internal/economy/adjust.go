// CLAUDE:SUMMARY Weekly rate adjustment — multiplier nudges against the ratio band, circuit breaker on sustained inflation
package economy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/tribune/internal/consensus"
	"github.com/hazyhaar/tribune/internal/db"
)

// Flag names the adjuster reads and writes.
const (
	FlagAutoRateAdjust = "auto_rate_adjust"
	FlagCircuitBreaker = "circuit_breaker"
)

// breakerDays is how many consecutive daily ratio readings above the breaker
// ceiling trip the circuit breaker.
const breakerDays = 3

// Adjuster nudges the reward and cost multipliers toward a balanced economy.
type Adjuster struct {
	db             *db.DB
	ratioFloor     float64
	ratioCeiling   float64
	breakerCeiling float64
	notifier       Notifier
	logger         *slog.Logger
}

func NewAdjuster(database *db.DB, ratioFloor, ratioCeiling, breakerCeiling float64, notifier Notifier, logger *slog.Logger) *Adjuster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adjuster{
		db:             database,
		ratioFloor:     ratioFloor,
		ratioCeiling:   ratioCeiling,
		breakerCeiling: breakerCeiling,
		notifier:       notifier,
		logger:         logger,
	}
}

// Run performs one adjustment pass. A tripped circuit breaker suspends all
// automatic changes until an operator clears the flag. Sustained inflation
// across consecutive days trips the breaker instead of adjusting.
func (a *Adjuster) Run(ctx context.Context) error {
	tripped, err := a.db.GetFlag(FlagCircuitBreaker, false)
	if err != nil {
		return fmt.Errorf("reading breaker flag: %w", err)
	}
	if tripped {
		a.logger.Warn("rate adjustment skipped, circuit breaker active")
		return nil
	}

	ratios, err := a.db.RecentDailyRatios(breakerDays)
	if err != nil {
		return fmt.Errorf("reading ratio history: %w", err)
	}
	if len(ratios) >= breakerDays && allAbove(ratios, a.breakerCeiling) {
		if err := a.db.SetFlag(FlagCircuitBreaker, true); err != nil {
			return fmt.Errorf("tripping breaker: %w", err)
		}
		a.logger.Error("circuit breaker tripped",
			"days", breakerDays, "ceiling", a.breakerCeiling, "latest_ratio", ratios[0])
		if a.notifier != nil {
			body := fmt.Sprintf("faucet/sink ratio above %.2f for %d consecutive days, automatic adjustments suspended",
				a.breakerCeiling, breakerDays)
			if err := a.notifier.Notify(ctx, "circuit breaker tripped", body); err != nil {
				a.logger.Warn("alert delivery failed", "error", err)
			}
		}
		return nil
	}

	enabled, err := a.db.GetFlag(FlagAutoRateAdjust, true)
	if err != nil {
		return fmt.Errorf("reading adjust flag: %w", err)
	}
	if !enabled {
		return nil
	}

	snapshot, err := a.db.LatestSnapshot()
	if err == db.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading latest snapshot: %w", err)
	}

	reward, err := a.db.GetSettingFloat(consensus.SettingRewardMultiplier, 1.0)
	if err != nil {
		return err
	}
	cost, err := a.db.GetSettingFloat(consensus.SettingCostMultiplier, 1.0)
	if err != nil {
		return err
	}

	switch {
	case snapshot.Ratio > a.ratioCeiling:
		// Minting outpaces burning: pay less, charge more.
		reward *= 0.95
		cost *= 1.05
	case snapshot.Ratio < a.ratioFloor:
		// Burning outpaces minting: pay more, charge less.
		reward *= 1.05
		cost *= 0.95
	default:
		return nil
	}

	reward = consensus.ClampMultiplier(reward)
	cost = consensus.ClampMultiplier(cost)
	if err := a.db.SetSetting(consensus.SettingRewardMultiplier, fmt.Sprintf("%.4f", reward)); err != nil {
		return fmt.Errorf("writing reward multiplier: %w", err)
	}
	if err := a.db.SetSetting(consensus.SettingCostMultiplier, fmt.Sprintf("%.4f", cost)); err != nil {
		return fmt.Errorf("writing cost multiplier: %w", err)
	}

	a.logger.Info("rates adjusted",
		"ratio", snapshot.Ratio, "reward_multiplier", reward, "cost_multiplier", cost)
	return nil
}

// ClearBreaker resets the circuit breaker (operator action).
func (a *Adjuster) ClearBreaker(ctx context.Context) error {
	if err := a.db.SetFlag(FlagCircuitBreaker, false); err != nil {
		return fmt.Errorf("clearing breaker: %w", err)
	}
	a.logger.Info("circuit breaker cleared")
	return nil
}

func allAbove(ratios []float64, ceiling float64) bool {
	for _, r := range ratios {
		if r <= ceiling {
			return false
		}
	}
	return true
}
