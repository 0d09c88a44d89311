package db

import (
	"database/sql"
	"time"
)

type SpotCheck struct {
	ID                 string    `json:"id"`
	SubmissionID       string    `json:"submission_id"`
	SubmissionType     string    `json:"submission_type"`
	PeerDecision       string    `json:"peer_decision"`
	PeerConfidence     float64   `json:"peer_confidence"`
	ClassifierDecision string    `json:"classifier_decision"`
	ClassifierScore    float64   `json:"classifier_score"`
	Agrees             bool      `json:"agrees"`
	DisagreementType   *string   `json:"disagreement_type,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type CreateSpotCheckInput struct {
	SubmissionID       string
	SubmissionType     string
	PeerDecision       string
	PeerConfidence     float64
	ClassifierDecision string
	ClassifierScore    float64
	Agrees             bool
	DisagreementType   string
}

func (db *DB) CreateSpotCheck(input CreateSpotCheckInput) (*SpotCheck, error) {
	id := NewID()
	_, err := db.Exec(`
		INSERT INTO spot_checks (id, submission_id, submission_type, peer_decision, peer_confidence,
			classifier_decision, classifier_score, agrees, disagreement_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, input.SubmissionID, input.SubmissionType, input.PeerDecision, input.PeerConfidence,
		input.ClassifierDecision, input.ClassifierScore, boolToInt(input.Agrees),
		nullable(input.DisagreementType))
	if err != nil {
		return nil, err
	}
	return db.GetSpotCheck(id)
}

func (db *DB) GetSpotCheck(id string) (*SpotCheck, error) {
	return scanSpotCheck(db.QueryRow(spotCheckSelect+` WHERE id = ?`, id))
}

// GetSpotCheckForSubmission returns the audit row for a submission, if any.
func (db *DB) GetSpotCheckForSubmission(submissionID, submissionType string) (*SpotCheck, error) {
	return scanSpotCheck(db.QueryRow(
		spotCheckSelect+` WHERE submission_id = ? AND submission_type = ?`,
		submissionID, submissionType))
}

// ListSpotChecks returns recent audit rows, newest first. When disagreedOnly
// is set, only rows where peer and classifier diverged are returned.
func (db *DB) ListSpotChecks(limit int, disagreedOnly bool) ([]*SpotCheck, error) {
	if limit <= 0 {
		limit = 50
	}
	query := spotCheckSelect
	if disagreedOnly {
		query += ` WHERE agrees = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	rows, err := db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*SpotCheck
	for rows.Next() {
		sc, err := scanSpotCheck(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

// SpotCheckAgreementRate returns agreement over the trailing window.
// Returns 1.0 when no checks exist yet.
func (db *DB) SpotCheckAgreementRate(since time.Time) (float64, error) {
	var total, agreed int
	err := db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(agrees), 0) FROM spot_checks WHERE created_at >= ?`,
		sqlTime(since)).Scan(&total, &agreed)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 1.0, nil
	}
	return float64(agreed) / float64(total), nil
}

const spotCheckSelect = `
	SELECT id, submission_id, submission_type, peer_decision, peer_confidence,
		classifier_decision, classifier_score, agrees, disagreement_type, created_at
	FROM spot_checks`

func scanSpotCheck(s interface{ Scan(...any) error }) (*SpotCheck, error) {
	sc := &SpotCheck{}
	var agrees int
	var disagreementType sql.NullString
	err := s.Scan(
		&sc.ID, &sc.SubmissionID, &sc.SubmissionType, &sc.PeerDecision, &sc.PeerConfidence,
		&sc.ClassifierDecision, &sc.ClassifierScore, &agrees, &disagreementType, &sc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sc.Agrees = agrees == 1
	if disagreementType.Valid {
		sc.DisagreementType = &disagreementType.String
	}
	return sc, nil
}
