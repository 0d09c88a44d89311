// CLAUDE:SUMMARY Economy aggregates — faucet/sink windows, hardship and median balance stats, snapshots, daily ratio history
package db

import (
	"database/sql"
	"encoding/json"
	"time"
)

type EconomySnapshot struct {
	ID               string    `json:"id"`
	FaucetTotal      int64     `json:"faucet_total"`
	SinkTotal        int64     `json:"sink_total"`
	Ratio            float64   `json:"ratio"`
	ActiveAgents     int       `json:"active_agents"`
	HardshipAgents   int       `json:"hardship_agents"`
	HardshipRate     float64   `json:"hardship_rate"`
	MedianBalance    float64   `json:"median_balance"`
	ActiveValidators int       `json:"active_validators"`
	Alert            bool      `json:"alert"`
	AlertReasons     []string  `json:"alert_reasons"`
	CreatedAt        time.Time `json:"created_at"`
}

// FaucetSinkTotals sums credits minted and burned since the cutoff. Faucet is
// the sum of positive ledger amounts; sink is the absolute sum of negatives.
func (db *DB) FaucetSinkTotals(since time.Time) (faucet, sink int64, err error) {
	err = db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0)
		FROM credit_ledger WHERE created_at >= ?`,
		sqlTime(since)).Scan(&faucet, &sink)
	return faucet, sink, err
}

// HardshipStats counts agents active in the window and how many of them sit
// below the hardship threshold.
func (db *DB) HardshipStats(activeSince time.Time, threshold int64) (active, hardship int, err error) {
	cutoff := sqlTime(activeSince)
	err = db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN credits < ? THEN 1 ELSE 0 END), 0)
		FROM agents WHERE last_seen_at >= ?`, threshold, cutoff).Scan(&active, &hardship)
	return active, hardship, err
}

// MedianBalance returns the median credit balance across all agents, 0 when
// the table is empty.
func (db *DB) MedianBalance() (float64, error) {
	var median float64
	err := db.QueryRow(`
		SELECT COALESCE(AVG(credits), 0) FROM (
			SELECT credits FROM agents ORDER BY credits
			LIMIT 2 - (SELECT COUNT(*) FROM agents) % 2
			OFFSET (SELECT (COUNT(*) - 1) / 2 FROM agents)
		)`).Scan(&median)
	return median, err
}

func (db *DB) CreateSnapshot(s *EconomySnapshot) (*EconomySnapshot, error) {
	reasonsJSON, _ := json.Marshal(s.AlertReasons)
	if s.AlertReasons == nil {
		reasonsJSON = []byte("[]")
	}
	id := NewID()
	_, err := db.Exec(`
		INSERT INTO economy_snapshots (id, faucet_total, sink_total, ratio, active_agents,
			hardship_agents, hardship_rate, median_balance, active_validators, alert, alert_reasons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.FaucetTotal, s.SinkTotal, s.Ratio, s.ActiveAgents,
		s.HardshipAgents, s.HardshipRate, s.MedianBalance, s.ActiveValidators,
		boolToInt(s.Alert), string(reasonsJSON))
	if err != nil {
		return nil, err
	}
	return db.GetSnapshot(id)
}

func (db *DB) GetSnapshot(id string) (*EconomySnapshot, error) {
	return scanSnapshot(db.QueryRow(snapshotSelect+` WHERE id = ?`, id))
}

// LatestSnapshot returns the most recent health snapshot.
func (db *DB) LatestSnapshot() (*EconomySnapshot, error) {
	return scanSnapshot(db.QueryRow(snapshotSelect + ` ORDER BY created_at DESC LIMIT 1`))
}

// ListSnapshots returns recent snapshots, newest first.
func (db *DB) ListSnapshots(limit int) ([]*EconomySnapshot, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := db.Query(snapshotSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*EconomySnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// RecordDailyRatio upserts the ratio reading for a UTC day (YYYY-MM-DD).
// Later readings the same day overwrite earlier ones.
func (db *DB) RecordDailyRatio(day string, ratio float64) error {
	_, err := db.Exec(`
		INSERT INTO ratio_history (day, ratio, recorded_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(day) DO UPDATE SET ratio = excluded.ratio, recorded_at = datetime('now')`,
		day, ratio)
	return err
}

// RecentDailyRatios returns the last n daily ratio readings, newest first.
func (db *DB) RecentDailyRatios(n int) ([]float64, error) {
	rows, err := db.Query(`SELECT ratio FROM ratio_history ORDER BY day DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ratios []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		ratios = append(ratios, r)
	}
	return ratios, rows.Err()
}

const snapshotSelect = `
	SELECT id, faucet_total, sink_total, ratio, active_agents, hardship_agents,
		hardship_rate, median_balance, active_validators, alert, alert_reasons, created_at
	FROM economy_snapshots`

func scanSnapshot(s interface{ Scan(...any) error }) (*EconomySnapshot, error) {
	snap := &EconomySnapshot{}
	var alert int
	var reasonsJSON string
	err := s.Scan(
		&snap.ID, &snap.FaucetTotal, &snap.SinkTotal, &snap.Ratio, &snap.ActiveAgents,
		&snap.HardshipAgents, &snap.HardshipRate, &snap.MedianBalance, &snap.ActiveValidators,
		&alert, &reasonsJSON, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.Alert = alert == 1
	if err := json.Unmarshal([]byte(reasonsJSON), &snap.AlertReasons); err != nil {
		snap.AlertReasons = nil
	}
	return snap, nil
}
