// Package deltas declares the relay-side repository contract for opaque sync
// deltas.
package deltas

import (
	"context"
	"time"

	"github.com/tallysync/tally/internal/relay/models"
)

// Repository defines the dumb-pipe storage operations: append, page, ack,
// prune. Nothing here can inspect a payload.
type Repository interface {
	// Insert stores a delta and returns false when a delta with the same
	// DeltaID already exists, which callers treat as an idempotent success.
	Insert(ctx context.Context, d *models.Delta) (bool, error)

	// SelectSince returns up to limit deltas for the company with
	// server_seq greater than since, in sequence order, plus a flag
	// indicating whether more remain.
	SelectSince(ctx context.Context, companyID string, since int64, limit int) ([]*models.Delta, bool, error)

	// Ack records that a principal has durably applied a delta. Repeated
	// acks are not an error.
	Ack(ctx context.Context, deltaID, principalID string) error

	// DeleteOlderThan removes deltas created before the cutoff regardless
	// of ack state and returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteFullyAcked removes deltas created before the cutoff that every
	// principal in their company has acked, and returns how many were
	// removed.
	DeleteFullyAcked(ctx context.Context, cutoff time.Time) (int64, error)
}
