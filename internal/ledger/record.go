package ledger

import (
	"time"

	"github.com/tallysync/tally/internal/cryptox"
)

// Kind classifies a ledger entity. Kind is plaintext metadata: the store and
// the relay may index on it, but everything business-relevant lives inside
// the encrypted payload.
type Kind string

const (
	KindAccount     Kind = "account"
	KindTransaction Kind = "transaction"
	KindInvoice     Kind = "invoice"
	KindContact     Kind = "contact"
	KindSettings    Kind = "settings"
)

// Record is the persisted form of an entity: plaintext metadata needed for
// indexing and causality, plus the sealed business payload.
type Record struct {
	// ID is a globally unique, client-generated UUID.
	ID string

	Kind Kind

	// VersionVector tracks causal history per principal. Only the merge
	// engine mutates it.
	VersionVector VersionVector

	// Payload is the AEAD ciphertext of the entity's business fields.
	Payload cryptox.Box

	// Tombstone marks a soft delete. Tombstoned entities are never
	// physically removed while transaction history references them.
	Tombstone bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep-enough copy for merge bookkeeping.
func (r Record) Clone() Record {
	out := r
	out.VersionVector = r.VersionVector.Clone()
	return out
}
