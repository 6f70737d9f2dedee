// Package rotation implements company key rotation and principal revocation.
//
// Rotation is two-phase. Phase one is the authorization flip: a new company
// key is minted and re-wrapped for every active principal in one store
// transaction, so revoked principals lose access atomically. Phase two is
// bulk re-encryption of stored ciphertext, which can take a while on a large
// ledger and is therefore chunked, checkpointed and resumable: a crash never
// requires starting over, and never strands data under a key nobody holds.
package rotation

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tallysync/tally/internal/client/session"
	"github.com/tallysync/tally/internal/client/store"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/ledger"
	"github.com/tallysync/tally/internal/logging"
)

// DefaultChunkSize is how many entities are re-encrypted between
// checkpoints.
const DefaultChunkSize = 200

// Progress reports re-encryption progress to the caller.
type Progress struct {
	Done  int64
	Total int64
}

// Rotator runs key rotations against one local store.
type Rotator struct {
	store     *store.Store
	log       logging.Logger
	chunkSize int

	now func() time.Time
}

func New(st *store.Store, log logging.Logger, chunkSize int) *Rotator {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Rotator{
		store:     st,
		log:       log.With("module", "rotation"),
		chunkSize: chunkSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Rotate mints a new company key, re-wraps it for every active principal,
// bumps the key epoch, and re-encrypts all stored ciphertext. Returns the
// new epoch. The session keeps holding the old key; the caller should
// re-open it once Rotate returns.
//
// Only admins may rotate. If an unfinished rotation job exists it must be
// resumed first.
func (r *Rotator) Rotate(ctx context.Context, sess *session.Session, onProgress func(Progress)) (int64, error) {
	if sess.Principal.Role != session.RoleAdmin {
		return 0, common.ErrUnauthorized
	}
	if _, err := r.store.ActiveRotationJob(ctx); err == nil {
		return 0, fmt.Errorf("unfinished rotation in progress, resume it first")
	} else if !errors.Is(err, common.ErrNotFound) {
		return 0, err
	}

	oldKey := sess.CompanyKey()
	newKey := cryptox.GenerateKey()
	newEpoch := sess.KeyEpoch() + 1

	// Phase one: atomically swap the wrappings and the epoch. From this
	// moment revoked principals cannot unlock anything new.
	active, err := r.store.ListPrincipalKeys(ctx, true)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, fmt.Errorf("no active principals to rotate for")
	}
	for i := range active {
		var pub [32]byte
		copy(pub[:], active[i].PubKey)
		wrapped, err := cryptox.WrapKeyTo(&pub, newKey)
		if err != nil {
			return 0, err
		}
		active[i].WrappedKey = wrapped
		active[i].KeyEpoch = newEpoch
	}
	if err := r.store.ReplacePrincipalKeys(ctx, newEpoch, active); err != nil {
		return 0, err
	}
	r.log.Info(ctx, "key epoch advanced", "epoch", newEpoch, "principals", len(active))

	// Phase two: checkpointed re-encryption. The retiring key is kept
	// sealed under the new one so a crashed job can resume.
	sealedOld, err := cryptox.WrapKey(newKey, oldKey)
	if err != nil {
		return 0, err
	}
	total, err := r.store.CountEntities(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	job := store.RotationJob{
		ID:           uuid.NewString(),
		KeyEpoch:     newEpoch,
		SealedOldKey: sealedOld,
		TotalCount:   total,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateRotationJob(ctx, job); err != nil {
		return 0, err
	}

	if err := r.run(ctx, job, oldKey, newKey, onProgress); err != nil {
		return 0, err
	}
	return newEpoch, nil
}

// Resume picks up an unfinished rotation job. The session must already hold
// the new-epoch key (any principal re-wrapped in phase one can resume).
func (r *Rotator) Resume(ctx context.Context, sess *session.Session, onProgress func(Progress)) error {
	job, err := r.store.ActiveRotationJob(ctx)
	if err != nil {
		return err
	}
	if sess.KeyEpoch() != job.KeyEpoch {
		return fmt.Errorf("session epoch %d cannot resume rotation to epoch %d", sess.KeyEpoch(), job.KeyEpoch)
	}

	oldKey, err := cryptox.UnwrapKey(sess.CompanyKey(), job.SealedOldKey)
	if err != nil {
		return fmt.Errorf("recovering retiring key: %w", err)
	}
	defer cryptox.Wipe(oldKey)

	r.log.Info(ctx, "resuming rotation", "job", job.ID, "done", job.DoneCount, "total", job.TotalCount)
	return r.run(ctx, job, oldKey, sess.CompanyKey(), onProgress)
}

// Revoke removes a principal's access: marks them revoked, then rotates so
// the key they still hold in memory opens nothing written afterwards.
func (r *Rotator) Revoke(ctx context.Context, sess *session.Session, principalID string, onProgress func(Progress)) (int64, error) {
	if sess.Principal.Role != session.RoleAdmin {
		return 0, common.ErrUnauthorized
	}
	if principalID == sess.Principal.ID {
		return 0, fmt.Errorf("cannot revoke the rotating principal")
	}
	if err := r.store.RevokePrincipal(ctx, principalID); err != nil {
		return 0, err
	}
	r.log.Info(ctx, "principal revoked", "principal", principalID)
	return r.Rotate(ctx, sess, onProgress)
}

// run executes the re-encryption phases. Every step is idempotent: a payload
// already sealed under newKey is skipped, so replays after a crash are safe.
func (r *Rotator) run(ctx context.Context, job store.RotationJob, oldKey, newKey []byte, onProgress func(Progress)) error {
	if err := r.resealPendingDeltas(ctx, oldKey, newKey); err != nil {
		return err
	}
	if err := r.resealSuperseded(ctx, oldKey, newKey); err != nil {
		return err
	}

	done := job.DoneCount
	after := job.LastEntityID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := r.store.ScanEntities(ctx, after, r.chunkSize)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			break
		}
		for _, rec := range chunk {
			next, changed, err := reseal(oldKey, newKey, rec.Payload)
			if err != nil {
				return fmt.Errorf("re-encrypting entity %s: %w", rec.ID, err)
			}
			if changed {
				if err := r.store.ReplacePayload(ctx, rec.ID, next); err != nil {
					return err
				}
			}
			done++
		}
		after = chunk[len(chunk)-1].ID
		if err := r.store.CheckpointRotationJob(ctx, job.ID, after, done, r.now()); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(Progress{Done: done, Total: job.TotalCount})
		}
	}

	if err := r.store.CompleteRotationJob(ctx, job.ID, r.now()); err != nil {
		return err
	}
	r.log.Info(ctx, "rotation complete", "job", job.ID, "entities", done)
	return nil
}

func (r *Rotator) resealPendingDeltas(ctx context.Context, oldKey, newKey []byte) error {
	// The queue has no keyset cursor, so widen the window until it covers
	// the whole backlog. Already-resealed deltas are skipped, so rescanning
	// the front is cheap.
	limit := r.chunkSize
	for {
		deltas, err := r.store.PendingDeltas(ctx, limit)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			next, changed, err := ledger.ResealDelta(oldKey, newKey, d.Payload)
			if err != nil {
				return fmt.Errorf("re-encrypting delta %s: %w", d.ID, err)
			}
			if !changed {
				continue
			}
			sum := sha256.Sum256(next.Ciphertext)
			if err := r.store.ReplaceDeltaPayload(ctx, d.ID, next, sum[:]); err != nil {
				return err
			}
		}
		if len(deltas) < limit {
			return nil
		}
		limit *= 2
	}
}

func (r *Rotator) resealSuperseded(ctx context.Context, oldKey, newKey []byte) error {
	after := ""
	for {
		chunk, err := r.store.ScanSuperseded(ctx, after, r.chunkSize)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		for _, sup := range chunk {
			next, changed, err := reseal(oldKey, newKey, sup.Payload)
			if err != nil {
				return fmt.Errorf("re-encrypting superseded %s: %w", sup.ID, err)
			}
			if changed {
				if err := r.store.ReplaceSupersededPayload(ctx, sup.ID, next); err != nil {
					return err
				}
			}
		}
		after = chunk[len(chunk)-1].ID
	}
}

// reseal decrypts box with oldKey and re-encrypts with newKey. A box that
// already opens under newKey is returned unchanged, which is what makes
// resumed jobs idempotent.
func reseal(oldKey, newKey []byte, box cryptox.Box) (cryptox.Box, bool, error) {
	if _, err := cryptox.Open(newKey, box); err == nil {
		return box, false, nil
	}
	plaintext, err := cryptox.Open(oldKey, box)
	if err != nil {
		return cryptox.Box{}, false, err
	}
	defer cryptox.Wipe(plaintext)

	next, err := cryptox.Seal(newKey, plaintext)
	if err != nil {
		return cryptox.Box{}, false, err
	}
	return next, true, nil
}
