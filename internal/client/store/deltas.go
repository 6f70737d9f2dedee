package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/dbx"
	"github.com/tallysync/tally/internal/ledger"
)

func insertDelta(ctx context.Context, db dbx.DBTX, d ledger.Delta) error {
	query := `INSERT INTO sync_deltas (id, entity_id, principal_id, at, payload, nonce, hash, acked)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`
	_, err := db.ExecContext(ctx, query,
		d.ID, d.EntityID, d.PrincipalID, d.Timestamp.UnixNano(),
		d.Payload.Ciphertext, d.Payload.Nonce, d.Hash)
	if err != nil {
		return fmt.Errorf("failed to queue delta: %w", err)
	}
	return nil
}

// PendingDeltas returns unacked outbound deltas, oldest first, up to limit.
// A device that was offline for months drains its whole backlog through
// repeated calls.
func (s *Store) PendingDeltas(ctx context.Context, limit int) ([]ledger.Delta, error) {
	query := `SELECT id, entity_id, principal_id, at, payload, nonce, hash
		FROM sync_deltas WHERE acked = 0 ORDER BY at, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to list pending deltas: %w", err)
	}
	defer rows.Close()

	var result []ledger.Delta
	for rows.Next() {
		var (
			d  ledger.Delta
			at int64
		)
		err := rows.Scan(&d.ID, &d.EntityID, &d.PrincipalID, &at,
			&d.Payload.Ciphertext, &d.Payload.Nonce, &d.Hash)
		if err != nil {
			return nil, err
		}
		d.Timestamp = time.Unix(0, at).UTC()
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// PendingDeltaCount returns the outbound backlog size.
func (s *Store) PendingDeltaCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sync_deltas WHERE acked = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending deltas: %w", err)
	}
	return n, nil
}

// MarkDeltasAcked flags deltas as accepted by the relay.
func (s *Store) MarkDeltasAcked(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `UPDATE sync_deltas SET acked = 1 WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to ack deltas: %w", err)
	}
	return nil
}

// ReplaceDeltaPayload swaps a queued delta's ciphertext and hash in place.
// Only key rotation may use it: pending deltas sealed under a retired key
// would be unreadable to peers on the new epoch.
func (s *Store) ReplaceDeltaPayload(ctx context.Context, id string, payload cryptox.Box, hash []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_deltas SET payload = ?, nonce = ?, hash = ? WHERE id = ?`,
		payload.Ciphertext, payload.Nonce, hash, id)
	if err != nil {
		return fmt.Errorf("failed to replace delta payload: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if ra != 1 {
		return common.ErrNotFound
	}
	return nil
}

// QuarantinedDelta is an inbound delta that failed verification or
// decryption and was set aside so it cannot wedge the pull cursor.
type QuarantinedDelta struct {
	ID          string
	PrincipalID string
	Reason      string
	At          time.Time
}

// QuarantineDelta records a poisoned inbound delta. The id also lands in
// applied_deltas so replays of the same delta are skipped; the quarantine
// row keeps the failure inspectable.
func (s *Store) QuarantineDelta(ctx context.Context, id, principalID, reason string, at time.Time) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO quarantined_deltas (id, principal_id, reason, at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			id, principalID, reason, at.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to quarantine delta: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO applied_deltas (id, applied_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
			id, at.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to record quarantined delta: %w", err)
		}
		return nil
	})
}

// QuarantinedDeltas lists quarantined inbound deltas, oldest first.
func (s *Store) QuarantinedDeltas(ctx context.Context) ([]QuarantinedDelta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal_id, reason, at FROM quarantined_deltas ORDER BY at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined deltas: %w", err)
	}
	defer rows.Close()

	var result []QuarantinedDelta
	for rows.Next() {
		var (
			q  QuarantinedDelta
			at int64
		)
		if err := rows.Scan(&q.ID, &q.PrincipalID, &q.Reason, &at); err != nil {
			return nil, err
		}
		q.At = time.Unix(0, at).UTC()
		result = append(result, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// IsDeltaApplied reports whether an inbound delta id was already applied.
func (s *Store) IsDeltaApplied(ctx context.Context, id string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM applied_deltas WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check applied delta: %w", err)
	}
	return n > 0, nil
}

// MarkDeltaApplied records an inbound delta id so replays from the relay can
// be skipped. Returns false when the id was already recorded.
func (s *Store) MarkDeltaApplied(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO applied_deltas (id, applied_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, at.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to record applied delta: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return ra == 1, nil
}
