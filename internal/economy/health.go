// CLAUDE:SUMMARY Economic health snapshots — faucet/sink ratio with sentinel handling, hardship rate, alert fan-out
package economy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/tribune/internal/db"
)

// RatioSentinel stands in for the faucet/sink ratio when nothing was burned
// in the window but credits were minted. It keeps the snapshot numeric while
// being unmistakably out of band.
const RatioSentinel = 999.0

// Notifier delivers operator alerts. Delivery is best effort; a failed
// notification never fails the health run.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// HealthConfig bounds the healthy economy.
type HealthConfig struct {
	RatioFloor        float64
	RatioCeiling      float64
	HardshipThreshold int64
	HardshipAlertRate float64
}

// Health computes and records periodic economy snapshots.
type Health struct {
	db       *db.DB
	cfg      HealthConfig
	notifier Notifier
	logger   *slog.Logger
}

func NewHealth(database *db.DB, cfg HealthConfig, notifier Notifier, logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	return &Health{db: database, cfg: cfg, notifier: notifier, logger: logger}
}

// Run takes one snapshot over the trailing 24 hours and records the day's
// ratio reading. Alerts fire when the ratio leaves its band or too many
// active agents sit under the hardship line.
func (h *Health) Run(ctx context.Context, now time.Time) (*db.EconomySnapshot, error) {
	since := now.UTC().Add(-24 * time.Hour)

	faucet, sink, err := h.db.FaucetSinkTotals(since)
	if err != nil {
		return nil, fmt.Errorf("reading faucet/sink totals: %w", err)
	}
	ratio := Ratio(faucet, sink)

	active, hardship, err := h.db.HardshipStats(since, h.cfg.HardshipThreshold)
	if err != nil {
		return nil, fmt.Errorf("reading hardship stats: %w", err)
	}
	hardshipRate := 0.0
	if active > 0 {
		hardshipRate = float64(hardship) / float64(active)
	}

	median, err := h.db.MedianBalance()
	if err != nil {
		return nil, fmt.Errorf("reading median balance: %w", err)
	}
	validators, err := h.db.CountActiveValidators()
	if err != nil {
		return nil, fmt.Errorf("counting validators: %w", err)
	}

	var reasons []string
	if ratio < h.cfg.RatioFloor {
		reasons = append(reasons, fmt.Sprintf("ratio %.2f below floor %.2f", ratio, h.cfg.RatioFloor))
	}
	if ratio > h.cfg.RatioCeiling {
		reasons = append(reasons, fmt.Sprintf("ratio %.2f above ceiling %.2f", ratio, h.cfg.RatioCeiling))
	}
	if hardshipRate > h.cfg.HardshipAlertRate {
		reasons = append(reasons, fmt.Sprintf("hardship rate %.1f%% above %.1f%%",
			hardshipRate*100, h.cfg.HardshipAlertRate*100))
	}

	snapshot, err := h.db.CreateSnapshot(&db.EconomySnapshot{
		FaucetTotal:      faucet,
		SinkTotal:        sink,
		Ratio:            ratio,
		ActiveAgents:     active,
		HardshipAgents:   hardship,
		HardshipRate:     hardshipRate,
		MedianBalance:    median,
		ActiveValidators: validators,
		Alert:            len(reasons) > 0,
		AlertReasons:     reasons,
	})
	if err != nil {
		return nil, fmt.Errorf("writing snapshot: %w", err)
	}

	day := now.UTC().Format("2006-01-02")
	if err := h.db.RecordDailyRatio(day, ratio); err != nil {
		return nil, fmt.Errorf("recording daily ratio: %w", err)
	}

	h.logger.Info("economy snapshot",
		"faucet", faucet, "sink", sink, "ratio", ratio,
		"active_agents", active, "hardship_rate", hardshipRate,
		"alert", len(reasons) > 0)

	if len(reasons) > 0 && h.notifier != nil {
		if err := h.notifier.Notify(ctx, "economy alert", strings.Join(reasons, "; ")); err != nil {
			h.logger.Warn("alert delivery failed", "error", err)
		}
	}
	return snapshot, nil
}

// Ratio computes faucet/sink with the zero-sink cases pinned: no activity at
// all reads as balanced, minting with no burn reads as the sentinel.
func Ratio(faucet, sink int64) float64 {
	if sink == 0 {
		if faucet == 0 {
			return 1.0
		}
		return RatioSentinel
	}
	return float64(faucet) / float64(sink)
}
