package ledger

import "errors"

var (
	// ErrUnbalancedTransaction is returned when a transaction's debits do not
	// equal its credits. The write is rejected, never stored.
	ErrUnbalancedTransaction = errors.New("transaction debits do not equal credits")

	// ErrAccountCycle is returned when reparenting an account would create a
	// cycle in the chart of accounts.
	ErrAccountCycle = errors.New("account reparent would create a cycle")

	// ErrReadOnlyPrincipal is returned when an auditor session attempts a
	// mutation.
	ErrReadOnlyPrincipal = errors.New("principal role is view-only")

	// ErrUnknownKind is returned for a record whose kind has no registered
	// payload type or merge policy.
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrTombstoned is returned when a local mutation targets a deleted
	// entity.
	ErrTombstoned = errors.New("entity is tombstoned")
)
