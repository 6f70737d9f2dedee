package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/dbx"
	"github.com/tallysync/tally/internal/ledger"
)

// GetEntity returns a record by id, or common.ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, id string) (ledger.Record, error) {
	return getEntity(ctx, s.db, id)
}

func getEntity(ctx context.Context, db dbx.DBTX, id string) (ledger.Record, error) {
	query := `SELECT id, kind, version_vector, payload, nonce, tombstone, created_at, updated_at
		FROM entities WHERE id = ?`
	rec, err := scanEntity(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, common.ErrNotFound
	}
	if err != nil {
		return ledger.Record{}, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	return rec, nil
}

// PutEntity upserts a record, appends its audit row and, when delta is
// non-nil, queues the outbound delta. All in one transaction.
func (s *Store) PutEntity(ctx context.Context, actorPrincipal string, rec ledger.Record, delta *ledger.Delta) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var beforeHash []byte
		prev, err := getEntity(ctx, tx, rec.ID)
		switch {
		case err == nil:
			sum := sha256.Sum256(prev.Payload.Ciphertext)
			beforeHash = sum[:]
		case !errors.Is(err, common.ErrNotFound):
			return err
		}

		vv, err := json.Marshal(rec.VersionVector)
		if err != nil {
			return err
		}

		query := `INSERT INTO entities (id, kind, version_vector, payload, nonce, tombstone, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET kind = excluded.kind,
				version_vector = excluded.version_vector,
				payload = excluded.payload,
				nonce = excluded.nonce,
				tombstone = excluded.tombstone,
				updated_at = excluded.updated_at`
		_, err = tx.ExecContext(ctx, query,
			rec.ID, string(rec.Kind), string(vv),
			rec.Payload.Ciphertext, rec.Payload.Nonce,
			rec.Tombstone, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to upsert entity: %w", err)
		}

		afterHash := sha256.Sum256(rec.Payload.Ciphertext)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_log (entity_id, actor_principal, at, before_hash, after_hash) VALUES (?, ?, ?, ?, ?)`,
			rec.ID, actorPrincipal, rec.UpdatedAt.UnixNano(), beforeHash, afterHash[:])
		if err != nil {
			return fmt.Errorf("failed to append audit row: %w", err)
		}

		if delta != nil {
			if err := insertDelta(ctx, tx, *delta); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEntities returns all records of a kind, tombstones included. The merge
// engine needs tombstones to keep deletes terminal.
func (s *Store) ListEntities(ctx context.Context, kind ledger.Kind) ([]ledger.Record, error) {
	query := `SELECT id, kind, version_vector, payload, nonce, tombstone, created_at, updated_at
		FROM entities WHERE kind = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// ScanEntities pages through all entities in id order, starting after
// afterID. Key rotation uses it to re-encrypt in resumable chunks.
func (s *Store) ScanEntities(ctx context.Context, afterID string, limit int) ([]ledger.Record, error) {
	query := `SELECT id, kind, version_vector, payload, nonce, tombstone, created_at, updated_at
		FROM entities WHERE id > ? ORDER BY id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan entities: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// MetadataQuery filters entities on plaintext metadata only. The zero value
// matches every live entity.
type MetadataQuery struct {
	Kind              ledger.Kind // empty matches every kind
	IncludeTombstoned bool
	UpdatedSince      time.Time // zero means unbounded
	UpdatedUntil      time.Time // exclusive; zero means unbounded
}

// QueryByMetadata returns entities matching q, ordered by update time.
// Query plans never inspect ciphertext: reporting code enumerates entities
// through this without the store knowing anything about report semantics.
func (s *Store) QueryByMetadata(ctx context.Context, q MetadataQuery) ([]ledger.Record, error) {
	query := `SELECT id, kind, version_vector, payload, nonce, tombstone, created_at, updated_at
		FROM entities WHERE 1 = 1`
	var args []any
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	if !q.IncludeTombstoned {
		query += ` AND tombstone = 0`
	}
	if !q.UpdatedSince.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, q.UpdatedSince.UnixNano())
	}
	if !q.UpdatedUntil.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, q.UpdatedUntil.UnixNano())
	}
	query += ` ORDER BY updated_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// ScanSince pages through entities changed at or after since, in
// (updated_at, id) keyset order. Finite and restartable: pass the last
// returned record's UpdatedAt and ID to continue where a scan left off.
func (s *Store) ScanSince(ctx context.Context, since time.Time, afterID string, limit int) ([]ledger.Record, error) {
	query := `SELECT id, kind, version_vector, payload, nonce, tombstone, created_at, updated_at
		FROM entities
		WHERE updated_at > ? OR (updated_at = ? AND id > ?)
		ORDER BY updated_at, id LIMIT ?`
	ts := since.UnixNano()
	rows, err := s.db.QueryContext(ctx, query, ts, ts, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan since %s: %w", since, err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// CountEntities returns the total number of stored entities.
func (s *Store) CountEntities(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM entities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

// ReplacePayload swaps an entity's ciphertext in place without touching its
// version vector. Only key rotation may use it: the payload plaintext is
// unchanged, so peers must not see a new version.
func (s *Store) ReplacePayload(ctx context.Context, id string, payload cryptox.Box) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET payload = ?, nonce = ? WHERE id = ?`,
		payload.Ciphertext, payload.Nonce, id)
	if err != nil {
		return fmt.Errorf("failed to replace payload: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (ledger.Record, error) {
	var (
		rec                  ledger.Record
		kind, vv             string
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &kind, &vv, &rec.Payload.Ciphertext, &rec.Payload.Nonce,
		&rec.Tombstone, &createdAt, &updatedAt)
	if err != nil {
		return ledger.Record{}, err
	}
	if err := json.Unmarshal([]byte(vv), &rec.VersionVector); err != nil {
		return ledger.Record{}, fmt.Errorf("corrupt version vector for %s: %w", rec.ID, err)
	}
	rec.Kind = ledger.Kind(kind)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

func collectEntities(rows *sql.Rows) ([]ledger.Record, error) {
	var result []ledger.Record
	for rows.Next() {
		rec, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// AuditEntry is one append-only audit row. Hashes are over ciphertext, so
// the audit trail leaks nothing about payloads.
type AuditEntry struct {
	Seq            int64
	EntityID       string
	ActorPrincipal string
	At             time.Time
	BeforeHash     []byte
	AfterHash      []byte
}

// AuditTrail returns the audit rows for one entity, oldest first.
func (s *Store) AuditTrail(ctx context.Context, entityID string) ([]AuditEntry, error) {
	query := `SELECT seq, entity_id, actor_principal, at, before_hash, after_hash
		FROM audit_log WHERE entity_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	defer rows.Close()

	var result []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at int64
		)
		if err := rows.Scan(&e.Seq, &e.EntityID, &e.ActorPrincipal, &at, &e.BeforeHash, &e.AfterHash); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at).UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
