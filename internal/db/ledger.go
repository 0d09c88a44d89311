// CLAUDE:SUMMARY Credit ledger — atomic, idempotency-keyed earn/spend with cached balance maintained in the same transaction
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// QueryTracer receives timing records for hot-path SQL operations.
type QueryTracer interface {
	Record(ctx context.Context, op, query string, d time.Duration, err error)
}

var tracer QueryTracer

// SetTracer installs a tracer for ledger mutations. Nil disables tracing.
func SetTracer(t QueryTracer) { tracer = t }

// CreditTransaction is one append-only ledger row.
type CreditTransaction struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	Amount         int64     `json:"amount"`
	TxType         string    `json:"tx_type"`
	RefType        *string   `json:"ref_type,omitempty"`
	RefID          *string   `json:"ref_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	BalanceBefore  int64     `json:"balance_before"`
	BalanceAfter   int64     `json:"balance_after"`
	Note           *string   `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LedgerResult is the outcome of an earn or spend call.
type LedgerResult struct {
	TransactionID string `json:"transaction_id"`
	BalanceAfter  int64  `json:"balance_after"`
	// Duplicate is true when the idempotency key matched an existing
	// transaction and no new row was written.
	Duplicate bool `json:"duplicate"`
}

// Earn credits an agent. The idempotency key guarantees at-most-once effect:
// a retry with the same key returns the original result without a new row.
func (db *DB) Earn(ctx context.Context, agentID string, amount int64, txType, refType, refID, idemKey, note string) (*LedgerResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("earn amount must be positive, got %d", amount)
	}
	return db.mutateBalance(ctx, agentID, amount, txType, refType, refID, idemKey, note)
}

// Spend debits an agent. Returns ErrInsufficientBalance when the debit would
// exceed the current balance; the ledger never writes an overdraft row.
func (db *DB) Spend(ctx context.Context, agentID string, amount int64, txType, refType, refID, idemKey, note string) (*LedgerResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("spend amount must be positive, got %d", amount)
	}
	return db.mutateBalance(ctx, agentID, -amount, txType, refType, refID, idemKey, note)
}

// mutateBalance performs the idempotency lookup, balance read, ledger insert
// and cached-balance update in a single transaction. The signed amount is
// positive for earns and negative for spends.
func (db *DB) mutateBalance(ctx context.Context, agentID string, amount int64, txType, refType, refID, idemKey, note string) (result *LedgerResult, err error) {
	if idemKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	start := time.Now()
	defer func() {
		if tracer != nil {
			tracer.Record(ctx, "Exec", "ledger:"+txType, time.Since(start), err)
		}
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: an existing row with this key is the prior effect.
	var priorID string
	var priorAfter int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, balance_after FROM credit_ledger WHERE idempotency_key = ?`, idemKey).
		Scan(&priorID, &priorAfter)
	if err == nil {
		return &LedgerResult{TransactionID: priorID, BalanceAfter: priorAfter, Duplicate: true}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("checking idempotency key: %w", err)
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT credits FROM agents WHERE id = ?`, agentID).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}

	after := balance + amount
	if after < 0 {
		return nil, ErrInsufficientBalance
	}

	id := NewID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, agent_id, amount, tx_type, ref_type, ref_id,
			idempotency_key, balance_before, balance_after, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, agentID, amount, txType, nullable(refType), nullable(refID),
		idemKey, balance, after, nullable(note))
	if err != nil {
		// A concurrent call with the same key won the race; return its result.
		if strings.Contains(err.Error(), "UNIQUE") {
			_ = tx.Rollback()
			dupErr := db.QueryRowContext(ctx, `
				SELECT id, balance_after FROM credit_ledger WHERE idempotency_key = ?`, idemKey).
				Scan(&priorID, &priorAfter)
			if dupErr != nil {
				return nil, fmt.Errorf("re-reading duplicate ledger row: %w", dupErr)
			}
			return &LedgerResult{TransactionID: priorID, BalanceAfter: priorAfter, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("inserting ledger row: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE agents SET credits = ? WHERE id = ?`, after, agentID); err != nil {
		return nil, fmt.Errorf("updating cached balance: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ledger transaction: %w", err)
	}
	return &LedgerResult{TransactionID: id, BalanceAfter: after}, nil
}

// AgentBalance returns the cached balance for an agent.
func (db *DB) AgentBalance(agentID string) (int64, error) {
	var balance int64
	err := db.QueryRow(`SELECT credits FROM agents WHERE id = ?`, agentID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return balance, err
}

// LedgerSum returns the sum of all transaction amounts for an agent. It must
// always equal the cached balance.
func (db *DB) LedgerSum(agentID string) (int64, error) {
	var sum int64
	err := db.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE agent_id = ?`, agentID).Scan(&sum)
	return sum, err
}

// GetTransaction returns a ledger row by ID.
func (db *DB) GetTransaction(id string) (*CreditTransaction, error) {
	t := &CreditTransaction{}
	var refType, refID, note sql.NullString
	err := db.QueryRow(`
		SELECT id, agent_id, amount, tx_type, ref_type, ref_id, idempotency_key,
			balance_before, balance_after, note, created_at
		FROM credit_ledger WHERE id = ?`, id).Scan(
		&t.ID, &t.AgentID, &t.Amount, &t.TxType, &refType, &refID, &t.IdempotencyKey,
		&t.BalanceBefore, &t.BalanceAfter, &note, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if refType.Valid {
		t.RefType = &refType.String
	}
	if refID.Valid {
		t.RefID = &refID.String
	}
	if note.Valid {
		t.Note = &note.String
	}
	return t, nil
}

// ListTransactions returns recent ledger rows for an agent, newest first.
func (db *DB) ListTransactions(agentID string, limit int) ([]*CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, agent_id, amount, tx_type, ref_type, ref_id, idempotency_key,
			balance_before, balance_after, note, created_at
		FROM credit_ledger WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*CreditTransaction
	for rows.Next() {
		t := &CreditTransaction{}
		var refType, refID, note sql.NullString
		if err := rows.Scan(
			&t.ID, &t.AgentID, &t.Amount, &t.TxType, &refType, &refID, &t.IdempotencyKey,
			&t.BalanceBefore, &t.BalanceAfter, &note, &t.CreatedAt); err != nil {
			return nil, err
		}
		if refType.Valid {
			t.RefType = &refType.String
		}
		if refID.Valid {
			t.RefID = &refID.String
		}
		if note.Valid {
			t.Note = &note.String
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
