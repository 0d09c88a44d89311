package db

import "errors"

var (
	// ErrNotFound is returned when a row lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance is returned by Spend when the debit would
	// exceed the agent's current balance. It is distinct from a disabled
	// cost feature, which is a silent no-op at the rules layer.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotInPool is returned when an agent has no validator pool entry.
	ErrNotInPool = errors.New("agent not in validator pool")

	// ErrDuplicateAssignment is returned when a validator already holds a
	// review slot for the submission.
	ErrDuplicateAssignment = errors.New("validator already assigned to submission")
)
