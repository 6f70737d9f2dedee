package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallysync/tally/internal/client/store"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/ledger"
	"github.com/tallysync/tally/internal/logging"
	"github.com/tallysync/tally/internal/relay/api"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

// fakeRelay is an in-memory stand-in for the relay: it stores opaque deltas
// with sequence numbers and knows nothing about their contents.
type fakeRelay struct {
	mu           gosync.Mutex
	accessToken  string
	refreshToken string
	expireAccess bool

	deltas []api.ServerDelta
	seen   map[string]bool
	acked  map[string]int

	pushCalls    int
	refreshCalls int
	failNext     int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{seen: make(map[string]bool), acked: make(map[string]int)}
}

func (f *fakeRelay) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == api.RouteLogin:
		f.accessToken = "access-1"
		f.refreshToken = "refresh-1"
		writeJSON(w, api.TokenResponse{AccessToken: f.accessToken, RefreshToken: f.refreshToken})

	case r.URL.Path == api.RouteRefresh:
		f.refreshCalls++
		var req api.RefreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != f.refreshToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.expireAccess = false
		f.accessToken = fmt.Sprintf("access-%d", f.refreshCalls+1)
		writeJSON(w, api.TokenResponse{AccessToken: f.accessToken, RefreshToken: f.refreshToken})

	case !f.authorized(r):
		w.WriteHeader(http.StatusUnauthorized)

	case r.URL.Path == api.RouteDeltas && r.Method == http.MethodPost:
		f.pushCalls++
		if f.failNext > 0 {
			f.failNext--
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "storage unavailable"})
			return
		}
		var req api.PushRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := api.PushResponse{}
		for _, d := range req.Deltas {
			resp.Accepted = append(resp.Accepted, d.ID)
			if f.seen[d.ID] {
				continue
			}
			f.seen[d.ID] = true
			f.deltas = append(f.deltas, api.ServerDelta{Delta: d, ServerSeq: int64(len(f.deltas) + 1)})
		}
		writeJSON(w, resp)

	case r.URL.Path == api.RouteDeltas && r.Method == http.MethodGet:
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		resp := api.PullResponse{NextSince: since, ServerTime: time.Now().UTC()}
		for _, d := range f.deltas {
			if d.ServerSeq <= since {
				continue
			}
			if len(resp.Deltas) == limit {
				resp.More = true
				break
			}
			resp.Deltas = append(resp.Deltas, d)
			resp.NextSince = d.ServerSeq
		}
		writeJSON(w, resp)

	case r.URL.Path == api.RouteAck:
		var req api.AckRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, id := range req.DeltaIDs {
			f.acked[id]++
		}
		writeJSON(w, struct{}{})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeRelay) authorized(r *http.Request) bool {
	if f.expireAccess {
		f.expireAccess = false
		return false
	}
	return r.Header.Get(common.AuthorizationHeaderName) == "Bearer "+f.accessToken
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// device bundles one principal's store, engine and sync client.
type device struct {
	store  *store.Store
	engine *ledger.Engine
	client *Client
}

func newDevice(t *testing.T, baseURL string, key []byte, principalID string, cfg Config) *device {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng := ledger.NewEngine(st, testLogger(), principalID, false, key)
	cfg.BaseURL = baseURL
	c := New(cfg, st, eng, key, principalID, testLogger())
	require.NoError(t, c.Login(ctx, []byte("verifier")))
	return &device{store: st, engine: eng, client: c}
}

func (d *device) edit(t *testing.T, id, name string) {
	t.Helper()
	_, err := d.engine.ApplyLocal(context.Background(), ledger.Mutation{
		EntityID: id, Kind: ledger.KindContact,
		Payload: &ledger.Contact{Name: name, Email: "c@example.test"},
	})
	require.NoError(t, err)
}

func TestSync_TwoDevicesConverge(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	b := newDevice(t, srv.URL, key, "dev-b", Config{})

	a.edit(t, "ct-1", "ACME Ltd")
	require.NoError(t, a.client.Sync(ctx))
	require.NoError(t, b.client.Sync(ctx))

	_, payload, err := b.engine.Get(ctx, "ct-1")
	require.NoError(t, err)
	assert.Equal(t, "ACME Ltd", payload.(*ledger.Contact).Name)

	stateA, backlogA, err := a.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSynced, stateA)
	assert.Zero(t, backlogA)

	stateB, _, err := b.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSynced, stateB)
}

func TestPush_DrainsOfflineBacklogInBatches(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{BatchSize: 100})
	for i := 0; i < 500; i++ {
		a.edit(t, fmt.Sprintf("ct-%03d", i), "Backlogged")
	}

	backlog, err := a.store.PendingDeltaCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), backlog)

	require.NoError(t, a.client.Push(ctx))

	backlog, err = a.store.PendingDeltaCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, backlog)
	assert.Len(t, relay.deltas, 500)
	assert.Equal(t, 5, relay.pushCalls)
}

func TestPush_RetriesTransientFailures(t *testing.T) {
	relay := newFakeRelay()
	relay.failNext = 2
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{MaxRetries: 3})
	a.edit(t, "ct-1", "Flaky Network Inc")

	require.NoError(t, a.client.Push(ctx))
	assert.Len(t, relay.deltas, 1)
}

func TestPush_DefersWhenRelayUnreachable(t *testing.T) {
	key := cryptox.GenerateKey()
	ctx := context.Background()

	// Point at a server that is already gone.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, api.TokenResponse{AccessToken: "a", RefreshToken: "r"})
	}))
	a := newDevice(t, srv.URL, key, "dev-a", Config{MaxRetries: 1})
	srv.Close()

	a.edit(t, "ct-1", "Offline Edit")
	a.edit(t, "ct-2", "Another Offline Edit")

	err := a.client.Push(ctx)
	assert.ErrorIs(t, err, common.ErrSyncDeferred)

	// The queue is intact; nothing was dropped.
	backlog, err := a.store.PendingDeltaCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), backlog)

	state, _, err := a.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDeferred, state)
}

func TestPush_RetryAfterLostResponseIsIdempotent(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	a.edit(t, "ct-1", "Once Only")

	// Send the same batch twice, as a client would after losing the
	// response to its first attempt.
	pending, err := a.store.PendingDeltas(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	d := pending[0]
	req := api.PushRequest{Deltas: []api.Delta{{
		ID: d.ID, PrincipalID: d.PrincipalID, Timestamp: d.Timestamp,
		Ciphertext: d.Payload.Ciphertext, Nonce: d.Payload.Nonce, Hash: d.Hash,
	}}}

	for i := 0; i < 2; i++ {
		var resp api.PushResponse
		require.NoError(t, a.client.doJSON(ctx, http.MethodPost, api.RouteDeltas, req, &resp))
		assert.Equal(t, []string{d.ID}, resp.Accepted)
	}
	assert.Len(t, relay.deltas, 1)
}

func TestPull_SkipsOwnEchoesAndReplays(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	b := newDevice(t, srv.URL, key, "dev-b", Config{})

	a.edit(t, "ct-1", "First")
	a.edit(t, "ct-2", "Second")
	require.NoError(t, a.client.Push(ctx))

	// A's own deltas come back on pull but are not re-merged.
	applied, err := a.client.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	applied, err = b.client.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	// A replayed pull from an older cursor applies nothing new.
	require.NoError(t, b.store.SetMeta(ctx, store.MetaPullCursor, []byte("0")))
	applied, err = b.client.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestPull_PagesUntilDrained(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	b := newDevice(t, srv.URL, key, "dev-b", Config{BatchSize: 3})

	for i := 0; i < 10; i++ {
		a.edit(t, fmt.Sprintf("ct-%02d", i), "Paged")
	}
	require.NoError(t, a.client.Push(ctx))

	applied, err := b.client.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, applied)

	// The cursor landed on the relay's head, so the next pull is empty.
	raw, err := b.store.GetMeta(ctx, store.MetaPullCursor)
	require.NoError(t, err)
	assert.Equal(t, "10", string(raw))
}

func TestPull_QuarantinesTamperedDelta(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	b := newDevice(t, srv.URL, key, "dev-b", Config{})

	a.edit(t, "ct-1", "Genuine")
	require.NoError(t, a.client.Push(ctx))

	relay.mu.Lock()
	relay.deltas[0].Ciphertext[0] ^= 0xff
	relay.mu.Unlock()

	// The tampered delta is set aside, never merged, never refetched.
	applied, err := b.client.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	_, _, err = b.engine.Get(ctx, "ct-1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	quarantined, err := b.store.QuarantinedDeltas(ctx)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, "dev-a", quarantined[0].PrincipalID)
	assert.Equal(t, "hash mismatch", quarantined[0].Reason)
}

func TestPull_OnePoisonDeltaDoesNotWedgeTheRest(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	b := newDevice(t, srv.URL, key, "dev-b", Config{})

	a.edit(t, "ct-1", "Before")
	a.edit(t, "ct-2", "Poisoned")
	a.edit(t, "ct-3", "After")
	require.NoError(t, a.client.Push(ctx))

	// Reseal the middle delta under a key nobody else holds. The hash is
	// recomputed so only decryption fails, as it would for a delta sealed
	// under a retired epoch.
	relay.mu.Lock()
	rec, err := ledger.DecodeDelta(key, cryptox.Box{
		Nonce: relay.deltas[1].Nonce, Ciphertext: relay.deltas[1].Ciphertext,
	})
	require.NoError(t, err)
	d, err := ledger.EncodeDelta(cryptox.GenerateKey(), "dev-a", rec)
	require.NoError(t, err)
	relay.deltas[1].Ciphertext = d.Payload.Ciphertext
	relay.deltas[1].Nonce = d.Payload.Nonce
	relay.deltas[1].Hash = d.Hash
	relay.mu.Unlock()

	applied, err := b.client.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	// The readable edits landed.
	_, p1, err := b.engine.Get(ctx, "ct-1")
	require.NoError(t, err)
	assert.Equal(t, "Before", p1.(*ledger.Contact).Name)
	_, p3, err := b.engine.Get(ctx, "ct-3")
	require.NoError(t, err)
	assert.Equal(t, "After", p3.(*ledger.Contact).Name)

	quarantined, err := b.store.QuarantinedDeltas(ctx)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)

	// The cursor advanced past the poison, so the next pull is clean.
	raw, err := b.store.GetMeta(ctx, store.MetaPullCursor)
	require.NoError(t, err)
	assert.Equal(t, "3", string(raw))
	applied, err = b.client.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestPull_AcksAppliedDeltas(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	b := newDevice(t, srv.URL, key, "dev-b", Config{})

	a.edit(t, "ct-1", "Acked")
	require.NoError(t, a.client.Push(ctx))

	_, err := b.client.Pull(ctx)
	require.NoError(t, err)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Len(t, relay.acked, 1)
}

func TestTransport_RefreshesExpiredToken(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	a.edit(t, "ct-1", "After Expiry")

	relay.mu.Lock()
	relay.expireAccess = true
	relay.mu.Unlock()

	require.NoError(t, a.client.Sync(ctx))
	assert.Len(t, relay.deltas, 1)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Equal(t, 1, relay.refreshCalls)
}

func TestStatus_ReportsQueuedBacklog(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	require.NoError(t, a.client.Sync(ctx))

	a.edit(t, "ct-1", "Waiting")
	state, backlog, err := a.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, state)
	assert.Equal(t, int64(1), backlog)
}

func TestPull_QuarantinesDeltaWithUnreadableRecord(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	b := newDevice(t, srv.URL, key, "dev-b", Config{})

	a.edit(t, "ct-1", "Genuine")
	require.NoError(t, a.client.Push(ctx))

	// Envelope under the shared key, record inside it under a foreign one.
	// The delta decodes fine and only fails when the record is opened.
	relay.mu.Lock()
	rec, err := ledger.DecodeDelta(key, cryptox.Box{
		Nonce: relay.deltas[0].Nonce, Ciphertext: relay.deltas[0].Ciphertext,
	})
	require.NoError(t, err)
	inner, err := cryptox.Open(key, rec.Payload)
	require.NoError(t, err)
	rec.Payload, err = cryptox.Seal(cryptox.GenerateKey(), inner)
	require.NoError(t, err)
	d, err := ledger.EncodeDelta(key, "dev-a", rec)
	require.NoError(t, err)
	relay.deltas[0].Ciphertext = d.Payload.Ciphertext
	relay.deltas[0].Nonce = d.Payload.Nonce
	relay.deltas[0].Hash = d.Hash
	relay.mu.Unlock()

	applied, err := b.client.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	quarantined, err := b.store.QuarantinedDeltas(ctx)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Contains(t, quarantined[0].Reason, "authentication failed")
}

func TestFullJitter_BoundedAndStops(t *testing.T) {
	b := fullJitter(retry.WithMaxRetries(3, retry.NewConstant(100*time.Millisecond)))

	for i := 0; i < 3; i++ {
		d, stop := b.Next()
		require.False(t, stop)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
	_, stop := b.Next()
	assert.True(t, stop)
}

func TestSync_ConcurrentEditsConvergeAfterExchange(t *testing.T) {
	relay := newFakeRelay()
	srv := relay.server(t)
	key := cryptox.GenerateKey()
	ctx := context.Background()

	a := newDevice(t, srv.URL, key, "dev-a", Config{})
	b := newDevice(t, srv.URL, key, "dev-b", Config{})

	// Both devices edit the same contact while offline.
	a.edit(t, "ct-1", "Name From A")
	b.edit(t, "ct-1", "Name From B")

	require.NoError(t, a.client.Sync(ctx))
	require.NoError(t, b.client.Sync(ctx))
	require.NoError(t, a.client.Sync(ctx))
	require.NoError(t, b.client.Sync(ctx))

	_, pa, err := a.engine.Get(ctx, "ct-1")
	require.NoError(t, err)
	_, pb, err := b.engine.Get(ctx, "ct-1")
	require.NoError(t, err)
	assert.Equal(t, pa.(*ledger.Contact).Name, pb.(*ledger.Contact).Name)
}
