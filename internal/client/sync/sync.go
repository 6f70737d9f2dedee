// Package sync moves encrypted deltas between the local store and the relay.
//
// It is an offline-first pipe: local edits queue durably, Push drains the
// queue in batches with bounded retries, Pull pages remote deltas through
// the merge engine, and neither direction ever blocks editing. The relay is
// untrusted; everything that leaves this process is ciphertext, and
// everything that arrives is verified and decrypted before it touches the
// ledger.
package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	gosync "sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tallysync/tally/internal/client/store"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/ledger"
	"github.com/tallysync/tally/internal/logging"
	"github.com/tallysync/tally/internal/relay/api"
)

// State describes where the client is in its sync lifecycle.
type State string

const (
	// StateSynced: the outbound queue is empty and the last sync succeeded.
	StateSynced State = "synced"
	// StateQueued: local edits are waiting for the next sync.
	StateQueued State = "queued"
	// StateSyncing: a push or pull is in flight.
	StateSyncing State = "syncing"
	// StateDeferred: the relay is unreachable; edits keep queueing locally.
	StateDeferred State = "deferred"
)

// Config tunes the sync client. Zero values take the defaults.
type Config struct {
	BaseURL string

	// BatchSize is the number of deltas per push/pull page.
	BatchSize int

	// AttemptTimeout bounds one HTTP attempt.
	AttemptTimeout time.Duration

	// MaxRetries bounds retries per batch before deferring.
	MaxRetries uint64

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

const (
	defaultBatchSize      = 100
	defaultAttemptTimeout = 10 * time.Second
	defaultMaxRetries     = 5
	backoffBase           = time.Second
	backoffCap            = 30 * time.Second
)

// Client syncs one principal's store with the relay.
type Client struct {
	cfg         Config
	store       *store.Store
	engine      *ledger.Engine
	key         []byte
	principalID string
	log         logging.Logger
	httpClient  *http.Client

	mu           gosync.Mutex
	state        State
	accessToken  string
	refreshToken string

	now func() time.Time
}

// New returns a sync client. The company key is used to decode pulled
// deltas before they are merged.
func New(cfg Config, st *store.Store, engine *ledger.Engine, companyKey []byte, principalID string, log logging.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:         cfg,
		store:       st,
		engine:      engine,
		key:         companyKey,
		principalID: principalID,
		log:         log.With("module", "sync"),
		httpClient:  httpClient,
		state:       StateQueued,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register enrolls this principal with the relay.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) error {
	return c.doJSON(ctx, http.MethodPost, api.RouteRegister, req, nil)
}

// Login authenticates with the relay and stores the token pair.
func (c *Client) Login(ctx context.Context, verifier []byte) error {
	var tokens api.TokenResponse
	err := c.doJSON(ctx, http.MethodPost, api.RouteLogin,
		api.LoginRequest{PrincipalID: c.principalID, Verifier: verifier}, &tokens)
	if err != nil {
		return err
	}
	c.setTokens(tokens.AccessToken, tokens.RefreshToken)
	return nil
}

// Sync pushes the outbound queue, then pulls and merges remote deltas.
func (c *Client) Sync(ctx context.Context) error {
	c.setState(StateSyncing)

	if err := c.Push(ctx); err != nil {
		return err
	}
	if _, err := c.Pull(ctx); err != nil {
		return err
	}

	if err := c.store.SetMeta(ctx, store.MetaLastSyncAt, []byte(c.now().Format(time.RFC3339))); err != nil {
		return err
	}
	c.setState(StateSynced)
	return nil
}

// Push drains the outbound queue in batches. Each batch is retried with
// capped exponential backoff; when retries are exhausted the queue is left
// intact and the push is deferred (common.ErrSyncDeferred), never dropped.
func (c *Client) Push(ctx context.Context) error {
	for {
		pending, err := c.store.PendingDeltas(ctx, c.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		req := api.PushRequest{Deltas: make([]api.Delta, 0, len(pending))}
		for _, d := range pending {
			req.Deltas = append(req.Deltas, api.Delta{
				ID:          d.ID,
				PrincipalID: d.PrincipalID,
				Timestamp:   d.Timestamp,
				Ciphertext:  d.Payload.Ciphertext,
				Nonce:       d.Payload.Nonce,
				Hash:        d.Hash,
			})
		}

		var resp api.PushResponse
		err = c.withRetry(ctx, func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodPost, api.RouteDeltas, req, &resp)
		})
		if err != nil {
			c.setState(StateDeferred)
			c.log.Warn(ctx, "push deferred", "queued", len(pending), "error", err.Error())
			return fmt.Errorf("%w: %s", common.ErrSyncDeferred, err)
		}

		if err := c.store.MarkDeltasAcked(ctx, resp.Accepted); err != nil {
			return err
		}
		if len(resp.Rejected) > 0 {
			// A rejection means the batch was corrupted in storage or
			// transit. Nothing to retry; surface it.
			for _, rej := range resp.Rejected {
				c.log.Error(ctx, "delta rejected by relay", "delta", rej.ID, "reason", rej.Reason)
			}
			return fmt.Errorf("relay rejected %d deltas", len(resp.Rejected))
		}
	}
}

// Pull pages remote deltas since the stored cursor, merges each new one and
// acknowledges applied batches. Returns how many deltas were merged.
func (c *Client) Pull(ctx context.Context) (int, error) {
	since, err := c.cursor(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for {
		var resp api.PullResponse
		path := fmt.Sprintf("%s?since=%d&limit=%d", api.RouteDeltas, since, c.cfg.BatchSize)
		err := c.withRetry(ctx, func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodGet, path, nil, &resp)
		})
		if err != nil {
			c.setState(StateDeferred)
			return applied, fmt.Errorf("%w: %s", common.ErrSyncDeferred, err)
		}

		var ackIDs []string
		for _, sd := range resp.Deltas {
			merged, err := c.apply(ctx, sd)
			if err != nil {
				return applied, err
			}
			if merged {
				applied++
			}
			ackIDs = append(ackIDs, sd.ID)
		}

		if len(ackIDs) > 0 {
			if err := c.doJSON(ctx, http.MethodPost, api.RouteAck, api.AckRequest{DeltaIDs: ackIDs}, nil); err != nil {
				// Ack failures only delay relay garbage collection; the
				// cursor still advances.
				c.log.Warn(ctx, "delta ack failed", "count", len(ackIDs), "error", err.Error())
			}
		}

		since = resp.NextSince
		if err := c.store.SetMeta(ctx, store.MetaPullCursor, []byte(strconv.FormatInt(since, 10))); err != nil {
			return applied, err
		}
		if !resp.More {
			return applied, nil
		}
	}
}

// apply verifies, decodes and merges one pulled delta. Replays and own
// echoes are skipped. A delta that fails its hash check or does not decrypt
// is poisoned: the same bytes fail on every retry, so it is quarantined and
// the cursor moves on instead of wedging pull for the whole company.
func (c *Client) apply(ctx context.Context, sd api.ServerDelta) (bool, error) {
	seen, err := c.store.IsDeltaApplied(ctx, sd.ID)
	if err != nil {
		return false, err
	}
	if seen || sd.PrincipalID == c.principalID {
		return false, nil
	}

	sum := sha256.Sum256(sd.Ciphertext)
	if !bytes.Equal(sum[:], sd.Hash) {
		return false, c.quarantine(ctx, sd, "hash mismatch")
	}

	rec, err := ledger.DecodeDelta(c.key, cryptox.Box{Nonce: sd.Nonce, Ciphertext: sd.Ciphertext})
	if err != nil {
		return false, c.quarantine(ctx, sd, err.Error())
	}
	if err := c.engine.Merge(ctx, rec); err != nil {
		// The envelope opened but the record inside did not: sealed under a
		// key this company no longer holds. Just as poisoned as a bad hash.
		if errors.Is(err, cryptox.ErrAuthenticationFailed) {
			return false, c.quarantine(ctx, sd, err.Error())
		}
		return false, fmt.Errorf("merging delta %s: %w", sd.ID, err)
	}

	if _, err := c.store.MarkDeltaApplied(ctx, sd.ID, c.now()); err != nil {
		return false, err
	}
	return true, nil
}

// quarantine sets a poisoned delta aside so it is never fetched or retried
// again. The data it carried is lost to this device until its sender
// re-pushes it in a readable form; everything else keeps syncing.
func (c *Client) quarantine(ctx context.Context, sd api.ServerDelta, reason string) error {
	c.log.Error(ctx, "delta quarantined", "delta", sd.ID, "from", sd.PrincipalID, "reason", reason)
	return c.store.QuarantineDelta(ctx, sd.ID, sd.PrincipalID, reason, c.now())
}

// Status reports the sync state, refining "synced" to "queued" when local
// edits are waiting.
func (c *Client) Status(ctx context.Context) (State, int64, error) {
	backlog, err := c.store.PendingDeltaCount(ctx)
	if err != nil {
		return "", 0, err
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateSynced && backlog > 0 {
		state = StateQueued
	}
	return state, backlog, nil
}

// withRetry runs fn with per-attempt timeouts and full-jitter exponential
// backoff. Auth failures are terminal; everything else is retried.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	b := retry.NewExponential(backoffBase)
	b = retry.WithCappedDuration(backoffCap, b)
	b = fullJitter(b)
	b = retry.WithMaxRetries(c.cfg.MaxRetries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()

		err := fn(actx)
		if err == nil {
			return nil
		}
		if errors.Is(err, common.ErrUnauthorized) || errors.Is(err, common.ErrRefreshTokenExpired) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// fullJitter draws each delay uniformly from [0, next], so a fleet of
// devices retrying after the same outage spreads out instead of hammering
// the relay in lockstep.
func fullJitter(next retry.Backoff) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := next.Next()
		if stop {
			return 0, true
		}
		if d <= 0 {
			return 0, false
		}
		return time.Duration(rand.Int63n(int64(d) + 1)), false
	})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) cursor(ctx context.Context) (int64, error) {
	raw, err := c.store.GetMeta(ctx, store.MetaPullCursor)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	since, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt pull cursor: %w", err)
	}
	return since, nil
}
