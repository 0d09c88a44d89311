// CLAUDE:SUMMARY Validator pool — enrollment, eligibility queries, daily quota counter with idempotent UTC reset, region affinity
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Region is a named home-region affinity with coordinates. A validator holds
// up to three; the first doubles as the primary display region.
type Region struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type Validator struct {
	ID               string     `json:"id"`
	AgentID          string     `json:"agent_id"`
	Tier             string     `json:"tier"`
	F1Score          float64    `json:"f1_score"`
	PrecisionScore   float64    `json:"precision_score"`
	RecallScore      float64    `json:"recall_score"`
	ResponseRate     float64    `json:"response_rate"`
	EvaluationsToday int        `json:"evaluations_today"`
	QuotaResetAt     *time.Time `json:"quota_reset_at,omitempty"`
	Domains          []string   `json:"domains"`
	Regions          []Region   `json:"regions"`
	IsActive         bool       `json:"is_active"`
	Suspended        bool       `json:"suspended"`
	CreatedAt        time.Time  `json:"created_at"`
}

// PrimaryRegion returns the first configured region, or nil.
func (v *Validator) PrimaryRegion() *Region {
	if len(v.Regions) == 0 {
		return nil
	}
	return &v.Regions[0]
}

const validatorColumns = `id, agent_id, tier, f1_score, precision_score, recall_score,
	response_rate, evaluations_today, quota_reset_at, domains, regions, is_active, suspended, created_at`

// EnrollValidator adds an agent to the validator pool.
func (db *DB) EnrollValidator(agentID, tier string, domains []string, regions []Region) (*Validator, error) {
	if len(regions) > 3 {
		return nil, fmt.Errorf("at most 3 home regions, got %d", len(regions))
	}
	if tier == "" {
		tier = "apprentice"
	}
	domainsJSON, _ := json.Marshal(domains)
	regionsJSON, _ := json.Marshal(regions)
	if domains == nil {
		domainsJSON = []byte("[]")
	}
	if regions == nil {
		regionsJSON = []byte("[]")
	}

	id := NewID()
	_, err := db.Exec(`
		INSERT INTO validators (id, agent_id, tier, domains, regions)
		VALUES (?, ?, ?, ?, ?)`, id, agentID, tier, string(domainsJSON), string(regionsJSON))
	if err != nil {
		return nil, fmt.Errorf("enrolling validator: %w", err)
	}
	return db.GetValidator(id)
}

func (db *DB) GetValidator(id string) (*Validator, error) {
	return scanValidator(db.QueryRow(`SELECT `+validatorColumns+` FROM validators WHERE id = ?`, id))
}

func (db *DB) GetValidatorByAgent(agentID string) (*Validator, error) {
	v, err := scanValidator(db.QueryRow(`SELECT `+validatorColumns+` FROM validators WHERE agent_id = ?`, agentID))
	if err == ErrNotFound {
		return nil, ErrNotInPool
	}
	return v, err
}

// EligibleValidators returns active, unsuspended pool entries at the given
// tier, excluding the submission's author. Daily-quota filtering happens at
// the assignment layer, where tier quotas live.
func (db *DB) EligibleValidators(tier, excludeAgentID string) ([]*Validator, error) {
	rows, err := db.Query(`
		SELECT `+validatorColumns+` FROM validators
		WHERE tier = ? AND agent_id != ? AND is_active = 1 AND suspended = 0
		ORDER BY response_rate DESC, f1_score DESC`, tier, excludeAgentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanValidatorRows(rows)
}

// IncrementDailyCount bumps the validator's daily evaluation counter.
func (db *DB) IncrementDailyCount(validatorID string) error {
	_, err := db.Exec(`
		UPDATE validators SET evaluations_today = evaluations_today + 1 WHERE id = ?`, validatorID)
	return err
}

// ResetDailyCounters zeroes the daily counter for every validator whose last
// reset precedes dayStart. Naturally idempotent: a second sweep the same day
// matches no rows.
func (db *DB) ResetDailyCounters(dayStart time.Time) (int64, error) {
	res, err := db.Exec(`
		UPDATE validators SET evaluations_today = 0, quota_reset_at = ?
		WHERE quota_reset_at IS NULL OR quota_reset_at < ?`,
		sqlTime(dayStart), sqlTime(dayStart))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetValidatorSuspended flips the suspended flag.
func (db *DB) SetValidatorSuspended(id string, suspended bool) error {
	res, err := db.Exec(`UPDATE validators SET suspended = ? WHERE id = ?`, boolToInt(suspended), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetValidatorTier moves a validator to a new tier.
func (db *DB) SetValidatorTier(id, tier string) error {
	res, err := db.Exec(`UPDATE validators SET tier = ? WHERE id = ?`, tier, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetValidatorRegions replaces the home-region affinity list.
func (db *DB) SetValidatorRegions(id string, regions []Region) error {
	if len(regions) > 3 {
		return fmt.Errorf("at most 3 home regions, got %d", len(regions))
	}
	regionsJSON, _ := json.Marshal(regions)
	if regions == nil {
		regionsJSON = []byte("[]")
	}
	res, err := db.Exec(`UPDATE validators SET regions = ? WHERE id = ?`, string(regionsJSON), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateValidatorStats writes recomputed performance stats.
func (db *DB) UpdateValidatorStats(id string, f1, precision, recall, responseRate float64) error {
	_, err := db.Exec(`
		UPDATE validators SET f1_score = ?, precision_score = ?, recall_score = ?, response_rate = ?
		WHERE id = ?`, f1, precision, recall, responseRate, id)
	return err
}

// RefreshValidatorStats recomputes a validator's performance from their full
// evaluation history against recorded consensus outcomes. Rejection is the
// positive class: precision is how often their reject/flag votes matched a
// rejected outcome, recall how many rejected outcomes they caught.
func (db *DB) RefreshValidatorStats(validatorID string) error {
	var completed, expired, tp, fp, fn int
	err := db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN pe.status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pe.status = 'expired' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pe.verdict IN ('reject','flag') AND cr.outcome = 'rejected' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pe.verdict IN ('reject','flag') AND cr.outcome = 'approved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pe.verdict = 'approve' AND cr.outcome = 'rejected' THEN 1 ELSE 0 END), 0)
		FROM peer_evaluations pe
		LEFT JOIN consensus_results cr
			ON cr.submission_id = pe.submission_id AND cr.submission_type = pe.submission_type
		WHERE pe.validator_id = ?`, validatorID).
		Scan(&completed, &expired, &tp, &fp, &fn)
	if err != nil {
		return fmt.Errorf("aggregating validator history: %w", err)
	}

	responseRate := 1.0
	if completed+expired > 0 {
		responseRate = float64(completed) / float64(completed+expired)
	}
	var precision, recall, f1 float64
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return db.UpdateValidatorStats(validatorID, f1, precision, recall, responseRate)
}

// CountActiveValidators returns the size of the usable pool.
func (db *DB) CountActiveValidators() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM validators WHERE is_active = 1 AND suspended = 0`).Scan(&n)
	return n, err
}

func scanValidator(s interface{ Scan(...any) error }) (*Validator, error) {
	v := &Validator{}
	var quotaResetAt sql.NullTime
	var domainsJSON, regionsJSON string
	var isActive, suspended int
	err := s.Scan(
		&v.ID, &v.AgentID, &v.Tier, &v.F1Score, &v.PrecisionScore, &v.RecallScore,
		&v.ResponseRate, &v.EvaluationsToday, &quotaResetAt, &domainsJSON, &regionsJSON,
		&isActive, &suspended, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if quotaResetAt.Valid {
		v.QuotaResetAt = &quotaResetAt.Time
	}
	v.IsActive = isActive == 1
	v.Suspended = suspended == 1
	if err := json.Unmarshal([]byte(domainsJSON), &v.Domains); err != nil {
		v.Domains = nil
	}
	if err := json.Unmarshal([]byte(regionsJSON), &v.Regions); err != nil {
		v.Regions = nil
	}
	return v, nil
}

func scanValidatorRows(rows *sql.Rows) ([]*Validator, error) {
	var results []*Validator
	for rows.Next() {
		v, err := scanValidator(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
