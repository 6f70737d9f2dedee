package ledger

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallysync/tally/internal/cryptox"
)

func TestDelta_LocalEditsAreQueued(t *testing.T) {
	key := cryptox.GenerateKey()
	r := newReplica("dev-a", key)
	ctx := context.Background()

	rec, err := r.engine.ApplyLocal(ctx, Mutation{
		EntityID: "tx-1", Kind: KindTransaction, Payload: balancedTransaction("v1"),
	})
	require.NoError(t, err)

	require.Len(t, r.store.deltas, 1)
	d := r.store.deltas[0]
	assert.Equal(t, "dev-a", d.PrincipalID)
	assert.Equal(t, "tx-1", d.EntityID)
	assert.NotEmpty(t, d.ID)

	sum := sha256.Sum256(d.Payload.Ciphertext)
	assert.Equal(t, sum[:], d.Hash)

	got, err := DecodeDelta(key, d.Payload)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	payload, err := OpenPayload(key, got)
	require.NoError(t, err)
	assert.Equal(t, "v1", payload.(*Transaction).Memo)
}

func TestDelta_AcceptedRemoteIsNotRequeued(t *testing.T) {
	key := cryptox.GenerateKey()
	a := newReplica("dev-a", key)
	b := newReplica("dev-b", key)
	ctx := context.Background()

	rec, err := a.engine.ApplyLocal(ctx, Mutation{
		EntityID: "ct-1", Kind: KindContact, Payload: &Contact{Name: "ACME"},
	})
	require.NoError(t, err)

	// A fast-forward merge stores the record but produces nothing new to
	// push, so it must not echo back through the queue.
	require.NoError(t, b.engine.Merge(ctx, rec))
	assert.Empty(t, b.store.deltas)
}

func TestResealDelta_MovesBothLayers(t *testing.T) {
	oldKey := cryptox.GenerateKey()
	r := newReplica("dev-a", oldKey)
	ctx := context.Background()

	_, err := r.engine.ApplyLocal(ctx, Mutation{
		EntityID: "ct-1", Kind: KindContact, Payload: &Contact{Name: "ACME"},
	})
	require.NoError(t, err)
	queued := r.store.deltas[0].Payload

	newKey := cryptox.GenerateKey()
	resealed, changed, err := ResealDelta(oldKey, newKey, queued)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err := DecodeDelta(newKey, resealed)
	require.NoError(t, err)
	payload, err := OpenPayload(newKey, rec)
	require.NoError(t, err)
	assert.Equal(t, "ACME", payload.(*Contact).Name)
	_, err = cryptox.Open(oldKey, rec.Payload)
	assert.ErrorIs(t, err, cryptox.ErrAuthenticationFailed)

	// Resealing again is a no-op, so a resumed rotation can rescan the queue.
	again, changed, err := ResealDelta(oldKey, newKey, resealed)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, resealed, again)
}

func TestResealDelta_FinishesHalfMovedDelta(t *testing.T) {
	oldKey := cryptox.GenerateKey()
	newKey := cryptox.GenerateKey()
	r := newReplica("dev-a", oldKey)
	ctx := context.Background()

	_, err := r.engine.ApplyLocal(ctx, Mutation{
		EntityID: "ct-1", Kind: KindContact, Payload: &Contact{Name: "ACME"},
	})
	require.NoError(t, err)

	// Envelope under the new key, record payload still under the old one:
	// the state a crashed rotation could have left behind.
	rec, err := DecodeDelta(oldKey, r.store.deltas[0].Payload)
	require.NoError(t, err)
	half, err := cryptox.SealJSON(newKey, deltaEnvelope{
		ID: rec.ID, Kind: rec.Kind, VersionVector: rec.VersionVector,
		Payload: rec.Payload, Tombstone: rec.Tombstone,
		CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt,
	})
	require.NoError(t, err)

	resealed, changed, err := ResealDelta(oldKey, newKey, half)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := DecodeDelta(newKey, resealed)
	require.NoError(t, err)
	payload, err := OpenPayload(newKey, got)
	require.NoError(t, err)
	assert.Equal(t, "ACME", payload.(*Contact).Name)
}

func TestDecodeDelta_WrongKey(t *testing.T) {
	key := cryptox.GenerateKey()
	r := newReplica("dev-a", key)

	_, err := r.engine.ApplyLocal(context.Background(), Mutation{
		EntityID: "ct-1", Kind: KindContact, Payload: &Contact{Name: "ACME"},
	})
	require.NoError(t, err)

	_, err = DecodeDelta(cryptox.GenerateKey(), r.store.deltas[0].Payload)
	assert.ErrorIs(t, err, cryptox.ErrAuthenticationFailed)
}
