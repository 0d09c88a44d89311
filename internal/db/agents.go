package db

import (
	"database/sql"
	"fmt"
	"time"
)

type Agent struct {
	ID         string     `json:"id"`
	Handle     string     `json:"handle"`
	Role       string     `json:"role"`
	TrustTier  string     `json:"trust_tier"`
	Credits    int64      `json:"credits"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

type CreateAgentInput struct {
	Handle       string
	PasswordHash string
	TrustTier    string
	Role         string
}

func (db *DB) CreateAgent(input CreateAgentInput) (*Agent, error) {
	id := NewID()
	tier := input.TrustTier
	if tier == "" {
		tier = "new"
	}
	role := input.Role
	if role == "" {
		role = "agent"
	}
	_, err := db.Exec(`
		INSERT INTO agents (id, handle, password_hash, role, trust_tier)
		VALUES (?, ?, ?, ?, ?)`, id, input.Handle, input.PasswordHash, role, tier)
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return &Agent{
		ID:        id,
		Handle:    input.Handle,
		Role:      role,
		TrustTier: tier,
	}, nil
}

func (db *DB) GetAgentByHandle(handle string) (*Agent, string, error) {
	a := &Agent{}
	var lastSeen sql.NullTime
	var passwordHash string
	err := db.QueryRow(`
		SELECT id, handle, password_hash, role, trust_tier, credits, created_at, last_seen_at
		FROM agents WHERE handle = ?`, handle).Scan(
		&a.ID, &a.Handle, &passwordHash, &a.Role, &a.TrustTier, &a.Credits, &a.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return a, passwordHash, nil
}

func (db *DB) GetAgentByID(id string) (*Agent, error) {
	a := &Agent{}
	var lastSeen sql.NullTime
	err := db.QueryRow(`
		SELECT id, handle, role, trust_tier, credits, created_at, last_seen_at
		FROM agents WHERE id = ?`, id).Scan(
		&a.ID, &a.Handle, &a.Role, &a.TrustTier, &a.Credits, &a.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return a, nil
}

// SetTrustTier updates an agent's trust tier (operator action).
func (db *DB) SetTrustTier(agentID, tier string) error {
	res, err := db.Exec(`UPDATE agents SET trust_tier = ? WHERE id = ?`, tier, agentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen updates the agent's last_seen_at timestamp.
func (db *DB) TouchLastSeen(agentID string) error {
	_, err := db.Exec(`UPDATE agents SET last_seen_at = datetime('now') WHERE id = ?`, agentID)
	return err
}
