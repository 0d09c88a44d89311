// CLAUDE:SUMMARY Peer evaluation lifecycle and consensus result recording with in-transaction uniqueness guard
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type PeerEvaluation struct {
	ID             string     `json:"id"`
	SubmissionID   string     `json:"submission_id"`
	SubmissionType string     `json:"submission_type"`
	ValidatorID    string     `json:"validator_id"`
	AgentID        string     `json:"agent_id"`
	Status         string     `json:"status"`
	Verdict        *string    `json:"verdict,omitempty"`
	Confidence     *float64   `json:"confidence,omitempty"`
	RewardTxID     *string    `json:"reward_tx_id,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type ConsensusResult struct {
	ID             string    `json:"id"`
	SubmissionID   string    `json:"submission_id"`
	SubmissionType string    `json:"submission_type"`
	Outcome        string    `json:"outcome"`
	CreatedReason  string    `json:"created_reason"`
	EvaluationIDs  []string  `json:"evaluation_ids"`
	CreatedAt      time.Time `json:"created_at"`
}

const evalColumns = `id, submission_id, submission_type, validator_id, agent_id, status,
	verdict, confidence, reward_tx_id, expires_at, completed_at, created_at`

// CreateEvaluation opens a pending review slot for a validator. The unique
// constraint on (submission, validator) makes re-assignment a no-op; callers
// get ErrDuplicateAssignment and should move to the next candidate.
func (db *DB) CreateEvaluation(submissionID, submissionType, validatorID, agentID string, expiresAt time.Time) (*PeerEvaluation, error) {
	id := NewID()
	_, err := db.Exec(`
		INSERT INTO peer_evaluations (id, submission_id, submission_type, validator_id, agent_id, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, submissionID, submissionType, validatorID, agentID, sqlTime(expiresAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrDuplicateAssignment
		}
		return nil, fmt.Errorf("creating evaluation: %w", err)
	}
	return db.GetEvaluation(id)
}

func (db *DB) GetEvaluation(id string) (*PeerEvaluation, error) {
	return scanEvaluation(db.QueryRow(`SELECT `+evalColumns+` FROM peer_evaluations WHERE id = ?`, id))
}

// CompleteEvaluation records a verdict on a pending evaluation. Only pending
// rows transition; a second submit or a submit after expiry matches nothing.
func (db *DB) CompleteEvaluation(id, verdict string, confidence float64) (*PeerEvaluation, error) {
	res, err := db.Exec(`
		UPDATE peer_evaluations
		SET status = 'completed', verdict = ?, confidence = ?, completed_at = datetime('now')
		WHERE id = ? AND status = 'pending'`, verdict, confidence, id)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		ev, getErr := db.GetEvaluation(id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("evaluation %s is %s, not pending", id, ev.Status)
	}
	return db.GetEvaluation(id)
}

// ExpireOverdueEvaluations marks pending evaluations past their deadline as
// expired and returns the affected submissions for quorum re-checks.
func (db *DB) ExpireOverdueEvaluations(now time.Time) ([][2]string, error) {
	cutoff := sqlTime(now)
	rows, err := db.Query(`
		SELECT DISTINCT submission_id, submission_type FROM peer_evaluations
		WHERE status = 'pending' AND expires_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var affected [][2]string
	for rows.Next() {
		var pair [2]string
		if err := rows.Scan(&pair[0], &pair[1]); err != nil {
			return nil, err
		}
		affected = append(affected, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		UPDATE peer_evaluations SET status = 'expired'
		WHERE status = 'pending' AND expires_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// ListEvaluationsForSubmission returns every review slot for a submission.
func (db *DB) ListEvaluationsForSubmission(submissionID, submissionType string) ([]*PeerEvaluation, error) {
	rows, err := db.Query(`
		SELECT `+evalColumns+` FROM peer_evaluations
		WHERE submission_id = ? AND submission_type = ?
		ORDER BY created_at`, submissionID, submissionType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvaluationRows(rows)
}

// ListPendingForValidator returns a validator's open review slots.
func (db *DB) ListPendingForValidator(validatorID string) ([]*PeerEvaluation, error) {
	rows, err := db.Query(`
		SELECT `+evalColumns+` FROM peer_evaluations
		WHERE validator_id = ? AND status = 'pending'
		ORDER BY expires_at`, validatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvaluationRows(rows)
}

// SetRewardTx records the ledger transaction that paid an evaluation. It only
// writes when no reward is recorded yet, so re-running distribution is safe.
func (db *DB) SetRewardTx(evalID, txID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE peer_evaluations SET reward_tx_id = ?
		WHERE id = ? AND reward_tx_id IS NULL`, txID, evalID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordConsensus writes the consensus result for a submission. The existence
// check runs inside the insert transaction so concurrent resolvers cannot
// both record a result. An existing row is returned unchanged with ok=false.
func (db *DB) RecordConsensus(ctx context.Context, submissionID, submissionType, outcome, reason string, evaluationIDs []string) (*ConsensusResult, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning consensus transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM consensus_results WHERE submission_id = ? AND submission_type = ?`,
		submissionID, submissionType).Scan(&existingID)
	if err == nil {
		existing, getErr := db.GetConsensus(submissionID, submissionType)
		return existing, false, getErr
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("checking existing consensus: %w", err)
	}

	evalJSON, _ := json.Marshal(evaluationIDs)
	if evaluationIDs == nil {
		evalJSON = []byte("[]")
	}
	id := NewID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO consensus_results (id, submission_id, submission_type, outcome, created_reason, evaluation_ids)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, submissionID, submissionType, outcome, reason, string(evalJSON))
	if err != nil {
		return nil, false, fmt.Errorf("inserting consensus result: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing consensus result: %w", err)
	}

	result, err := db.GetConsensus(submissionID, submissionType)
	return result, true, err
}

func (db *DB) GetConsensus(submissionID, submissionType string) (*ConsensusResult, error) {
	r := &ConsensusResult{}
	var evalJSON string
	err := db.QueryRow(`
		SELECT id, submission_id, submission_type, outcome, created_reason, evaluation_ids, created_at
		FROM consensus_results WHERE submission_id = ? AND submission_type = ?`,
		submissionID, submissionType).Scan(
		&r.ID, &r.SubmissionID, &r.SubmissionType, &r.Outcome, &r.CreatedReason, &evalJSON, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(evalJSON), &r.EvaluationIDs); err != nil {
		r.EvaluationIDs = nil
	}
	return r, nil
}

func scanEvaluation(s interface{ Scan(...any) error }) (*PeerEvaluation, error) {
	e := &PeerEvaluation{}
	var verdict, rewardTxID sql.NullString
	var confidence sql.NullFloat64
	var completedAt sql.NullTime
	err := s.Scan(
		&e.ID, &e.SubmissionID, &e.SubmissionType, &e.ValidatorID, &e.AgentID, &e.Status,
		&verdict, &confidence, &rewardTxID, &e.ExpiresAt, &completedAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if verdict.Valid {
		e.Verdict = &verdict.String
	}
	if confidence.Valid {
		e.Confidence = &confidence.Float64
	}
	if rewardTxID.Valid {
		e.RewardTxID = &rewardTxID.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func scanEvaluationRows(rows *sql.Rows) ([]*PeerEvaluation, error) {
	var results []*PeerEvaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
