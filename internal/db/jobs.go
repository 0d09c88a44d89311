// CLAUDE:SUMMARY SQLite job queue — dedupe-keyed enqueue, transactional claim, exponential backoff, dead-letter on exhaustion
package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload_json"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAfter    time.Time `json:"run_after"`
	DedupeKey   *string   `json:"dedupe_key,omitempty"`
	LastError   *string   `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EnqueueJob adds a pending job. A non-empty dedupeKey makes the enqueue
// idempotent: a key collision leaves the existing job untouched and returns
// it with ok=false.
func (db *DB) EnqueueJob(ctx context.Context, jobType, payloadJSON, dedupeKey string, runAfter time.Time, maxAttempts int) (*Job, bool, error) {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	id := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, max_attempts, run_after, dedupe_key)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)`,
		id, jobType, payloadJSON, maxAttempts,
		sqlTime(runAfter), nullable(dedupeKey))
	if err != nil {
		if dedupeKey != "" && strings.Contains(err.Error(), "UNIQUE") {
			existing, getErr := db.getJobByDedupeKey(ctx, dedupeKey)
			if getErr != nil {
				return nil, false, fmt.Errorf("reading deduped job: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("enqueueing %s job: %w", jobType, err)
	}
	job, err := db.GetJob(ctx, id)
	return job, true, err
}

// ClaimNextJob atomically claims the oldest runnable pending job. Returns
// nil, nil when the queue is empty.
func (db *DB) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT id FROM jobs
		WHERE status = 'pending' AND run_after <= datetime('now')`
	args := []any{}
	if len(types) > 0 {
		placeholders := strings.Repeat("?,", len(types))
		query += ` AND type IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY created_at LIMIT 1`

	var id string
	err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting claimable job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = datetime('now')
		WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return db.GetJob(ctx, id)
}

// CompleteJob marks a running job as done.
func (db *DB) CompleteJob(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', updated_at = datetime('now')
		WHERE id = ? AND status = 'running'`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s is not running", id)
	}
	return nil
}

// FailJob records a failure. Jobs with attempts remaining go back to pending
// with exponential backoff (2^attempts seconds); exhausted jobs move to the
// failed dead-letter state.
func (db *DB) FailJob(ctx context.Context, id string, jobErr error) error {
	job, err := db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	errMsg := jobErr.Error()
	if len(errMsg) > 1024 {
		errMsg = errMsg[:1024]
	}

	if job.Attempts >= job.MaxAttempts {
		_, err = db.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', last_error = ?, updated_at = datetime('now')
			WHERE id = ?`, errMsg, id)
		return err
	}

	backoff := time.Duration(math.Pow(2, float64(job.Attempts))) * time.Second
	_, err = db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', last_error = ?, run_after = ?, updated_at = datetime('now')
		WHERE id = ?`, errMsg, sqlTime(time.Now().Add(backoff)), id)
	return err
}

func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id))
}

func (db *DB) getJobByDedupeKey(ctx context.Context, key string) (*Job, error) {
	return scanJob(db.QueryRowContext(ctx, jobSelect+` WHERE dedupe_key = ?`, key))
}

// ListDeadJobs returns failed jobs for operator inspection, newest first.
func (db *DB) ListDeadJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, jobSelect+`
		WHERE status = 'failed' ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// RetryDeadJob resets a failed job to pending with a fresh attempt budget.
func (db *DB) RetryDeadJob(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', attempts = 0, last_error = NULL,
			run_after = datetime('now'), updated_at = datetime('now')
		WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s is not in the dead-letter state", id)
	}
	return nil
}

const jobSelect = `
	SELECT id, type, payload_json, status, attempts, max_attempts, run_after,
		dedupe_key, last_error, created_at, updated_at
	FROM jobs`

func scanJob(s interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}
	var dedupeKey, lastError sql.NullString
	err := s.Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &dedupeKey, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if dedupeKey.Valid {
		j.DedupeKey = &dedupeKey.String
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return j, nil
}
