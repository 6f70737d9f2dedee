package ledger

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tallysync/tally/internal/cryptox"
)

// Delta is one outbound unit of sync: a sealed snapshot of an entity record.
// The relay sees only the delta id, source principal, timestamp, ciphertext
// and hash; kind, version vector and tombstone flag are all inside the
// sealed envelope.
type Delta struct {
	ID          string
	EntityID    string // local bookkeeping only, never sent to the relay
	PrincipalID string
	Timestamp   time.Time
	Payload     cryptox.Box
	Hash        []byte // SHA-256 over Payload.Ciphertext, checked by the relay
}

// deltaEnvelope is the sealed wire form of a Record.
type deltaEnvelope struct {
	ID            string        `json:"id"`
	Kind          Kind          `json:"kind"`
	VersionVector VersionVector `json:"version_vector"`
	Payload       cryptox.Box   `json:"payload"`
	Tombstone     bool          `json:"tombstone"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// EncodeDelta seals a record into a delta under the company key.
func EncodeDelta(key []byte, principalID string, rec Record) (Delta, error) {
	env := deltaEnvelope{
		ID:            rec.ID,
		Kind:          rec.Kind,
		VersionVector: rec.VersionVector,
		Payload:       rec.Payload,
		Tombstone:     rec.Tombstone,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	box, err := cryptox.SealJSON(key, env)
	if err != nil {
		return Delta{}, err
	}

	sum := sha256.Sum256(box.Ciphertext)
	return Delta{
		ID:          uuid.NewString(),
		EntityID:    rec.ID,
		PrincipalID: principalID,
		Timestamp:   rec.UpdatedAt,
		Payload:     box,
		Hash:        sum[:],
	}, nil
}

// ResealDelta re-encrypts a queued delta from oldKey to newKey: the envelope
// and the record payload sealed inside it. Both layers must move, or a peer
// on the new epoch could open the envelope but never the record. A delta
// already sealed under newKey end to end is returned unchanged, so replayed
// rotation passes are idempotent.
func ResealDelta(oldKey, newKey []byte, payload cryptox.Box) (cryptox.Box, bool, error) {
	rec, err := DecodeDelta(newKey, payload)
	if err == nil {
		if _, err := cryptox.Open(newKey, rec.Payload); err == nil {
			return payload, false, nil
		}
	} else {
		rec, err = DecodeDelta(oldKey, payload)
		if err != nil {
			return cryptox.Box{}, false, err
		}
	}

	plaintext, err := cryptox.Open(oldKey, rec.Payload)
	if err != nil {
		return cryptox.Box{}, false, err
	}
	defer cryptox.Wipe(plaintext)

	inner, err := cryptox.Seal(newKey, plaintext)
	if err != nil {
		return cryptox.Box{}, false, err
	}

	env := deltaEnvelope{
		ID:            rec.ID,
		Kind:          rec.Kind,
		VersionVector: rec.VersionVector,
		Payload:       inner,
		Tombstone:     rec.Tombstone,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	box, err := cryptox.SealJSON(newKey, env)
	if err != nil {
		return cryptox.Box{}, false, err
	}
	return box, true, nil
}

// DecodeDelta opens a pulled delta back into a record. Fails with
// cryptox.ErrAuthenticationFailed when the company key is wrong or the
// ciphertext was tampered with in transit or at rest.
func DecodeDelta(key []byte, payload cryptox.Box) (Record, error) {
	plaintext, err := cryptox.Open(key, payload)
	if err != nil {
		return Record{}, err
	}
	var env deltaEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return Record{}, err
	}
	return Record{
		ID:            env.ID,
		Kind:          env.Kind,
		VersionVector: env.VersionVector,
		Payload:       env.Payload,
		Tombstone:     env.Tombstone,
		CreatedAt:     env.CreatedAt,
		UpdatedAt:     env.UpdatedAt,
	}, nil
}
