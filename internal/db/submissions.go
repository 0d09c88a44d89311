package db

import (
	"database/sql"
	"fmt"
	"time"
)

type Submission struct {
	ID             string     `json:"id"`
	SubmissionType string     `json:"submission_type"`
	Domain         string     `json:"domain"`
	Content        string     `json:"content"`
	AuthorID       string     `json:"author_id"`
	AuthorTier     string     `json:"author_tier"`
	Lat            *float64   `json:"lat,omitempty"`
	Lng            *float64   `json:"lng,omitempty"`
	Route          *string    `json:"route,omitempty"`
	RouteReason    *string    `json:"route_reason,omitempty"`
	QuorumRequired *int       `json:"quorum_required,omitempty"`
	AutoDecision   *string    `json:"auto_decision,omitempty"`
	AutoScore      *float64   `json:"auto_score,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type CreateSubmissionInput struct {
	ID             string
	SubmissionType string
	Domain         string
	Content        string
	AuthorID       string
	AuthorTier     string
	Lat            *float64
	Lng            *float64
}

func (db *DB) CreateSubmission(input CreateSubmissionInput) (*Submission, error) {
	if input.ID == "" {
		input.ID = NewID()
	}
	if input.Domain == "" {
		input.Domain = "general"
	}
	_, err := db.Exec(`
		INSERT INTO submissions (id, submission_type, domain, content, author_id, author_tier, lat, lng)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		input.ID, input.SubmissionType, input.Domain, input.Content,
		input.AuthorID, input.AuthorTier, input.Lat, input.Lng)
	if err != nil {
		return nil, fmt.Errorf("creating submission: %w", err)
	}
	return db.GetSubmission(input.ID, input.SubmissionType)
}

func (db *DB) GetSubmission(id, submissionType string) (*Submission, error) {
	s := &Submission{}
	var lat, lng, autoScore sql.NullFloat64
	var route, routeReason, autoDecision sql.NullString
	var quorum sql.NullInt64
	err := db.QueryRow(`
		SELECT id, submission_type, domain, content, author_id, author_tier,
			lat, lng, route, route_reason, quorum_required, auto_decision, auto_score, created_at
		FROM submissions WHERE id = ? AND submission_type = ?`, id, submissionType).Scan(
		&s.ID, &s.SubmissionType, &s.Domain, &s.Content, &s.AuthorID, &s.AuthorTier,
		&lat, &lng, &route, &routeReason, &quorum, &autoDecision, &autoScore, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		s.Lat = &lat.Float64
	}
	if lng.Valid {
		s.Lng = &lng.Float64
	}
	if route.Valid {
		s.Route = &route.String
	}
	if routeReason.Valid {
		s.RouteReason = &routeReason.String
	}
	if quorum.Valid {
		q := int(quorum.Int64)
		s.QuorumRequired = &q
	}
	if autoDecision.Valid {
		s.AutoDecision = &autoDecision.String
	}
	if autoScore.Valid {
		s.AutoScore = &autoScore.Float64
	}
	return s, nil
}

// SetRoute records the routing decision for a submission.
func (db *DB) SetRoute(id, submissionType, route, reason string) error {
	res, err := db.Exec(`
		UPDATE submissions SET route = ?, route_reason = ?
		WHERE id = ? AND submission_type = ?`, route, reason, id, submissionType)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetQuorumRequired pins the quorum size chosen at assignment time.
func (db *DB) SetQuorumRequired(id, submissionType string, quorum int) error {
	res, err := db.Exec(`
		UPDATE submissions SET quorum_required = ?
		WHERE id = ? AND submission_type = ?`, quorum, id, submissionType)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAutoResult records the classifier's fast-path decision.
func (db *DB) SetAutoResult(id, submissionType, decision string, score float64) error {
	res, err := db.Exec(`
		UPDATE submissions SET auto_decision = ?, auto_score = ?
		WHERE id = ? AND submission_type = ?`, decision, score, id, submissionType)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubmissionsByAuthor returns an agent's submissions, newest first.
func (db *DB) ListSubmissionsByAuthor(authorID string, limit int) ([]*Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, submission_type FROM submissions
		WHERE author_id = ? ORDER BY created_at DESC LIMIT ?`, authorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type key struct{ id, typ string }
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.id, &k.typ); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []*Submission
	for _, k := range keys {
		s, err := db.GetSubmission(k.id, k.typ)
		if err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, nil
}
