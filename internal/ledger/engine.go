package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/logging"
)

// Store is the persistence surface the engine needs. The encrypted store
// implements it; the engine never sees SQL and the store never sees
// plaintext payloads.
type Store interface {
	// GetEntity returns a record by id, or common.ErrNotFound.
	GetEntity(ctx context.Context, id string) (Record, error)

	// PutEntity upserts a record and appends the audit row for the write.
	// When delta is non-nil it is queued for push in the same transaction,
	// so an entity version and its outbound delta can never diverge.
	PutEntity(ctx context.Context, actorPrincipal string, rec Record, delta *Delta) error

	// ListEntities returns all live records of a kind.
	ListEntities(ctx context.Context, kind Kind) ([]Record, error)

	// SaveConflict persists a pending conflict for the review queue.
	SaveConflict(ctx context.Context, c Conflict) error

	// SaveSuperseded retains a losing concurrent version.
	SaveSuperseded(ctx context.Context, s Superseded) error

	// ListConflicts returns conflicts, optionally including resolved ones.
	ListConflicts(ctx context.Context, includeResolved bool) ([]Conflict, error)

	// MarkConflictResolved flags a conflict as handled.
	MarkConflictResolved(ctx context.Context, id string) error
}

// Mutation is a local edit issued by the UI layer.
type Mutation struct {
	EntityID string
	Kind     Kind

	// Payload is the full new typed payload (*Account, *Transaction, ...).
	// Ignored when Delete is set.
	Payload any

	// Delete tombstones the entity.
	Delete bool
}

const lockStripes = 64

// Engine is the CRDT merge engine. It owns the decrypted working set and is
// the only component that mutates version vectors. Writes are serialized per
// entity so a read-merge-write cycle can never lose an update.
type Engine struct {
	store       Store
	log         logging.Logger
	principalID string
	readOnly    bool
	key         []byte // unwrapped company key, owned by the session

	locks [lockStripes]sync.Mutex

	now func() time.Time // test seam
}

// NewEngine returns an engine acting as the given principal. readOnly must
// be set for auditor sessions.
func NewEngine(store Store, log logging.Logger, principalID string, readOnly bool, companyKey []byte) *Engine {
	return &Engine{
		store:       store,
		log:         log.With("module", "ledger"),
		principalID: principalID,
		readOnly:    readOnly,
		key:         companyKey,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &e.locks[h.Sum32()%lockStripes]
}

// ApplyLocal applies a mutation issued on this device. Local mutations are
// applied in the order issued; each one bumps this principal's component of
// the entity's version vector.
func (e *Engine) ApplyLocal(ctx context.Context, mut Mutation) (Record, error) {
	if e.readOnly {
		return Record{}, ErrReadOnlyPrincipal
	}

	mu := e.lockFor(mut.EntityID)
	mu.Lock()
	defer mu.Unlock()

	now := e.now()

	existing, err := e.store.GetEntity(ctx, mut.EntityID)
	creating := errors.Is(err, common.ErrNotFound)
	if err != nil && !creating {
		return Record{}, err
	}

	if !creating && existing.Tombstone {
		return Record{}, ErrTombstoned
	}

	rec := Record{
		ID:        mut.EntityID,
		Kind:      mut.Kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if creating {
		rec.VersionVector = VersionVector{}.Increment(e.principalID)
	} else {
		rec = existing.Clone()
		rec.Kind = existing.Kind
		rec.VersionVector = existing.VersionVector.Increment(e.principalID)
		rec.UpdatedAt = now
	}

	if mut.Delete {
		if creating {
			return Record{}, common.ErrNotFound
		}
		rec.Tombstone = true
		if err := e.putQueued(ctx, rec); err != nil {
			return Record{}, err
		}
		return rec, nil
	}

	stamp := FieldStamp{
		UpdatedAt:   now,
		PrincipalID: e.principalID,
		Counter:     rec.VersionVector[e.principalID],
	}

	var prior any
	if !creating {
		prior, err = OpenPayload(e.key, existing)
		if err != nil {
			return Record{}, fmt.Errorf("decrypting current version: %w", err)
		}
	}

	payload, err := e.stampAndValidate(ctx, mut, prior, stamp)
	if err != nil {
		return Record{}, err
	}

	rec.Payload, err = SealPayload(e.key, payload)
	if err != nil {
		return Record{}, err
	}

	if err := e.putQueued(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// putQueued persists a record together with its outbound sync delta.
func (e *Engine) putQueued(ctx context.Context, rec Record) error {
	delta, err := EncodeDelta(e.key, e.principalID, rec)
	if err != nil {
		return err
	}
	return e.store.PutEntity(ctx, e.principalID, rec, &delta)
}

// stampAndValidate fills in field stamps (carrying over stamps of unchanged
// fields) and enforces structural invariants before anything is persisted.
func (e *Engine) stampAndValidate(ctx context.Context, mut Mutation, prior any, stamp FieldStamp) (any, error) {
	switch mut.Kind {
	case KindAccount:
		next, ok := mut.Payload.(*Account)
		if !ok {
			return nil, fmt.Errorf("%w: account payload expected", ErrUnknownKind)
		}
		var old *Account
		if prior != nil {
			old = prior.(*Account)
		}
		stamped := stampAccount(old, next, stamp)
		if stamped.ParentID != "" {
			cyclic, err := e.wouldCreateCycle(ctx, mut.EntityID, stamped.ParentID)
			if err != nil {
				return nil, err
			}
			if cyclic {
				return nil, ErrAccountCycle
			}
		}
		return stamped, nil

	case KindTransaction:
		next, ok := mut.Payload.(*Transaction)
		if !ok {
			return nil, fmt.Errorf("%w: transaction payload expected", ErrUnknownKind)
		}
		if !next.Balanced() {
			return nil, ErrUnbalancedTransaction
		}
		out := *next
		out.Stamp = stamp
		return &out, nil

	case KindInvoice:
		next, ok := mut.Payload.(*Invoice)
		if !ok {
			return nil, fmt.Errorf("%w: invoice payload expected", ErrUnknownKind)
		}
		var old *Invoice
		if prior != nil {
			old = prior.(*Invoice)
		}
		return stampInvoice(old, next, stamp), nil

	case KindContact:
		next, ok := mut.Payload.(*Contact)
		if !ok {
			return nil, fmt.Errorf("%w: contact payload expected", ErrUnknownKind)
		}
		out := *next
		out.Stamp = stamp
		return &out, nil

	case KindSettings:
		next, ok := mut.Payload.(*Settings)
		if !ok {
			return nil, fmt.Errorf("%w: settings payload expected", ErrUnknownKind)
		}
		out := *next
		out.Stamp = stamp
		return &out, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, mut.Kind)
	}
}

// Merge applies a remote record received from the relay. It is idempotent
// and commutative: any two replicas that have seen the same set of deltas
// converge to the same entity state regardless of arrival order or repeats.
func (e *Engine) Merge(ctx context.Context, remote Record) error {
	mu := e.lockFor(remote.ID)
	mu.Lock()
	defer mu.Unlock()

	local, err := e.store.GetEntity(ctx, remote.ID)
	if errors.Is(err, common.ErrNotFound) {
		return e.acceptRemote(ctx, remote, nil)
	}
	if err != nil {
		return err
	}

	switch local.VersionVector.Compare(remote.VersionVector) {
	case Equal, Dominates:
		// Already superseded; applying again is a no-op.
		return nil
	case Dominated:
		// Fast-forward: remote wins outright, but invariants still hold at
		// merge-apply time, not just at submit time.
		return e.acceptRemote(ctx, remote, &local)
	default:
		return e.mergeConcurrent(ctx, local, remote)
	}
}

// acceptRemote validates and stores a remote record that wins without a
// concurrent merge (new entity or causal fast-forward).
func (e *Engine) acceptRemote(ctx context.Context, remote Record, local *Record) error {
	if !remote.Tombstone {
		payload, err := OpenPayload(e.key, remote)
		if err != nil {
			return fmt.Errorf("decrypting remote record %s: %w", remote.ID, err)
		}
		if reason := e.validateRemote(ctx, remote, payload); reason != "" {
			return e.rejectRemote(ctx, remote, local, reason)
		}
	}

	rec := remote.Clone()
	if local != nil {
		if local.CreatedAt.Before(rec.CreatedAt) {
			rec.CreatedAt = local.CreatedAt
		}
		// The remote vector dominates, but keep any components it has not
		// seen yet.
		rec.VersionVector = local.VersionVector.Merge(remote.VersionVector)
	}
	return e.store.PutEntity(ctx, e.principalID, rec, nil)
}

// validateRemote enforces structural invariants on an incoming payload.
func (e *Engine) validateRemote(ctx context.Context, remote Record, payload any) ConflictReason {
	switch p := payload.(type) {
	case *Transaction:
		if !p.Balanced() {
			return ReasonUnbalancedTransaction
		}
	case *Account:
		if p.ParentID != "" {
			cyclic, err := e.wouldCreateCycle(ctx, remote.ID, p.ParentID)
			if err == nil && cyclic {
				return ReasonAccountCycle
			}
		}
	}
	return ""
}

// rejectRemote records a structural rejection as a pending conflict. The
// local state stands; nothing is silently dropped.
func (e *Engine) rejectRemote(ctx context.Context, remote Record, local *Record, reason ConflictReason) error {
	e.log.Warn(ctx, "remote record rejected", "entity", remote.ID, "reason", string(reason))

	s := Superseded{
		ID:        uuid.NewString(),
		EntityID:  remote.ID,
		Kind:      remote.Kind,
		Payload:   remote.Payload,
		VV:        remote.VersionVector.Clone(),
		CreatedAt: e.now(),
	}
	if err := e.store.SaveSuperseded(ctx, s); err != nil {
		return err
	}

	c := Conflict{
		ID:        uuid.NewString(),
		EntityID:  remote.ID,
		Kind:      remote.Kind,
		Reason:    reason,
		Severity:  SeverityAction,
		RemoteVV:  remote.VersionVector.Clone(),
		CreatedAt: e.now(),
	}
	if local != nil {
		c.LocalVV = local.VersionVector.Clone()
	}
	return e.store.SaveConflict(ctx, c)
}

// mergeConcurrent resolves a genuine concurrent edit per the entity kind's
// policy.
func (e *Engine) mergeConcurrent(ctx context.Context, local, remote Record) error {
	mergedVV := local.VersionVector.Merge(remote.VersionVector)

	// Tombstones are terminal: a delete wins over any concurrent edit, and
	// the losing edit is retained for review.
	if local.Tombstone || remote.Tombstone {
		rec := local.Clone()
		rec.Tombstone = true
		rec.VersionVector = mergedVV
		rec.UpdatedAt = laterOf(local.UpdatedAt, remote.UpdatedAt)
		if !local.Tombstone {
			rec.Payload = remote.Payload
		}

		loser := remote
		if remote.Tombstone && !local.Tombstone {
			loser = local
		}
		if !loser.Tombstone {
			if err := e.retainSuperseded(ctx, loser, local, remote, ReasonSupersededEdit); err != nil {
				return err
			}
		}
		return e.store.PutEntity(ctx, e.principalID, rec, nil)
	}

	localPayload, err := OpenPayload(e.key, local)
	if err != nil {
		return fmt.Errorf("decrypting local record %s: %w", local.ID, err)
	}
	remotePayload, err := OpenPayload(e.key, remote)
	if err != nil {
		return fmt.Errorf("decrypting remote record %s: %w", remote.ID, err)
	}

	// Same payload reached through different causal paths: converge the
	// vectors, surface nothing.
	if reflect.DeepEqual(localPayload, remotePayload) {
		rec := local.Clone()
		rec.VersionVector = mergedVV
		rec.UpdatedAt = laterOf(local.UpdatedAt, remote.UpdatedAt)
		return e.store.PutEntity(ctx, e.principalID, rec, nil)
	}

	d := e.decide(ctx, local, remote, localPayload, remotePayload)

	if d.reject != "" {
		if d.payload == nil {
			return e.rejectRemote(ctx, remote, &local, d.reject)
		}
		// Partial rejection (e.g. cyclic reparent): the merged payload keeps
		// the local structure, and the rejection is flagged.
		c := Conflict{
			ID:        uuid.NewString(),
			EntityID:  local.ID,
			Kind:      local.Kind,
			Reason:    d.reject,
			Severity:  SeverityAction,
			LocalVV:   local.VersionVector.Clone(),
			RemoteVV:  remote.VersionVector.Clone(),
			CreatedAt: e.now(),
		}
		if err := e.store.SaveConflict(ctx, c); err != nil {
			return err
		}
	}

	if d.superseded != nil {
		box, err := SealPayload(e.key, d.superseded)
		if err != nil {
			return err
		}
		loser := Record{ID: local.ID, Kind: local.Kind, Payload: box}
		if err := e.retainSuperseded(ctx, loser, local, remote, ReasonSupersededEdit); err != nil {
			return err
		}
	}

	if len(d.collisions) > 0 {
		c := Conflict{
			ID:        uuid.NewString(),
			EntityID:  local.ID,
			Kind:      local.Kind,
			Reason:    ReasonFieldCollision,
			Severity:  SeverityAction,
			Fields:    d.collisions,
			LocalVV:   local.VersionVector.Clone(),
			RemoteVV:  remote.VersionVector.Clone(),
			CreatedAt: e.now(),
		}
		if err := e.store.SaveConflict(ctx, c); err != nil {
			return err
		}
	}

	rec := local.Clone()
	rec.VersionVector = mergedVV
	rec.UpdatedAt = laterOf(local.UpdatedAt, remote.UpdatedAt)
	if d.produced {
		// A new value neither side had: bump our component and refresh the
		// timestamp so the merged record is pushed to peers.
		rec.VersionVector = rec.VersionVector.Increment(e.principalID)
		rec.UpdatedAt = e.now()
	}
	rec.Payload, err = SealPayload(e.key, d.payload)
	if err != nil {
		return err
	}
	if d.produced {
		// The merge result is a version no peer has: it travels like a
		// local edit.
		return e.putQueued(ctx, rec)
	}
	return e.store.PutEntity(ctx, e.principalID, rec, nil)
}

// decide dispatches to the per-kind merge policy.
func (e *Engine) decide(ctx context.Context, local, remote Record, localPayload, remotePayload any) mergeDecision {
	switch lp := localPayload.(type) {
	case *Account:
		rp := remotePayload.(*Account)
		wouldCycle := func(parentID string) bool {
			cyclic, err := e.wouldCreateCycle(ctx, local.ID, parentID)
			return err == nil && cyclic
		}
		return mergeAccounts(lp, rp, local.VersionVector, remote.VersionVector, wouldCycle)
	case *Transaction:
		return mergeTransactions(lp, remotePayload.(*Transaction))
	case *Invoice:
		return mergeInvoices(lp, remotePayload.(*Invoice), local.VersionVector, remote.VersionVector)
	case *Contact:
		return mergeContacts(lp, remotePayload.(*Contact))
	case *Settings:
		return mergeSettings(lp, remotePayload.(*Settings))
	default:
		// Unknown kinds cannot reach here: OpenPayload already rejected them.
		return mergeDecision{payload: localPayload}
	}
}

// retainSuperseded persists the losing version plus its low-priority review
// note.
func (e *Engine) retainSuperseded(ctx context.Context, loser, local, remote Record, reason ConflictReason) error {
	s := Superseded{
		ID:        uuid.NewString(),
		EntityID:  local.ID,
		Kind:      local.Kind,
		Payload:   loser.Payload,
		VV:        remote.VersionVector.Clone(),
		CreatedAt: e.now(),
	}
	if err := e.store.SaveSuperseded(ctx, s); err != nil {
		return err
	}

	c := Conflict{
		ID:        uuid.NewString(),
		EntityID:  local.ID,
		Kind:      local.Kind,
		Reason:    reason,
		Severity:  SeverityInfo,
		LocalVV:   local.VersionVector.Clone(),
		RemoteVV:  remote.VersionVector.Clone(),
		CreatedAt: e.now(),
	}
	return e.store.SaveConflict(ctx, c)
}

// wouldCreateCycle reports whether setting entityID's parent to parentID
// would create a cycle in the chart of accounts. It walks the current local
// tree from the candidate parent to the root.
func (e *Engine) wouldCreateCycle(ctx context.Context, entityID, parentID string) (bool, error) {
	if parentID == "" {
		return false, nil
	}
	if parentID == entityID {
		return true, nil
	}

	accounts, err := e.store.ListEntities(ctx, KindAccount)
	if err != nil {
		return false, err
	}

	parents := make(map[string]string, len(accounts))
	for _, rec := range accounts {
		if rec.Tombstone || rec.ID == entityID {
			continue
		}
		p, err := OpenPayload(e.key, rec)
		if err != nil {
			return false, err
		}
		parents[rec.ID] = p.(*Account).ParentID
	}

	seen := map[string]bool{}
	for cur := parentID; cur != ""; cur = parents[cur] {
		if cur == entityID {
			return true, nil
		}
		if seen[cur] {
			break // pre-existing cycle elsewhere; not ours to reject
		}
		seen[cur] = true
	}
	return false, nil
}

// Get returns the decrypted payload of a live entity.
func (e *Engine) Get(ctx context.Context, id string) (Record, any, error) {
	rec, err := e.store.GetEntity(ctx, id)
	if err != nil {
		return Record{}, nil, err
	}
	if rec.Tombstone {
		return rec, nil, ErrTombstoned
	}
	payload, err := OpenPayload(e.key, rec)
	if err != nil {
		return Record{}, nil, err
	}
	return rec, payload, nil
}

// Conflicts returns the pending review queue.
func (e *Engine) Conflicts(ctx context.Context) ([]Conflict, error) {
	return e.store.ListConflicts(ctx, false)
}

// ResolveConflict marks a conflict handled. If keep is non-nil it is applied
// as a fresh local mutation, making the user's choice a first-class edit
// that syncs like any other.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, keep *Mutation) error {
	if keep != nil {
		if _, err := e.ApplyLocal(ctx, *keep); err != nil {
			return err
		}
	}
	return e.store.MarkConflictResolved(ctx, conflictID)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
