package ledger

import (
	"time"

	"github.com/tallysync/tally/internal/cryptox"
)

// ConflictReason classifies why a merge could not complete silently.
type ConflictReason string

const (
	// ReasonUnbalancedTransaction: a remote patch would break the
	// debit/credit invariant. The patch is rejected, not applied.
	ReasonUnbalancedTransaction ConflictReason = "unbalanced_transaction"

	// ReasonAccountCycle: a remote reparent would create a cycle in the
	// chart of accounts. The reparent is rejected.
	ReasonAccountCycle ConflictReason = "account_cycle"

	// ReasonFieldCollision: two principals edited the same field
	// concurrently. A deterministic winner was chosen; the collision needs
	// review.
	ReasonFieldCollision ConflictReason = "field_collision"

	// ReasonSupersededEdit: a concurrent edit lost last-writer-wins (or lost
	// to a terminal void/tombstone) and was retained as a superseded record.
	ReasonSupersededEdit ConflictReason = "superseded_edit"
)

// Conflict severities. Action conflicts block nothing but require an explicit
// user decision; info conflicts are review-queue notes.
const (
	SeverityAction = "action"
	SeverityInfo   = "info"
)

// Conflict is a first-class persisted state, not an error. It is surfaced
// through the conflict list for manual resolution and never silently dropped.
type Conflict struct {
	ID       string
	EntityID string
	Kind     Kind
	Reason   ConflictReason
	Severity string

	// Fields lists the colliding field names for field-level collisions.
	Fields []string

	LocalVV  VersionVector
	RemoteVV VersionVector

	CreatedAt time.Time
	Resolved  bool
}

// Superseded retains the losing version of a concurrent edit, sealed under
// the company key, linked to the surviving entity for audit and undo.
type Superseded struct {
	ID        string
	EntityID  string
	Kind      Kind
	Payload   cryptox.Box
	VV        VersionVector
	CreatedAt time.Time
}
