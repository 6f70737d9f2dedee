package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/ledger"
)

// SaveConflict persists a pending conflict for the review queue.
func (s *Store) SaveConflict(ctx context.Context, c ledger.Conflict) error {
	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return err
	}
	localVV, err := json.Marshal(c.LocalVV)
	if err != nil {
		return err
	}
	remoteVV, err := json.Marshal(c.RemoteVV)
	if err != nil {
		return err
	}

	query := `INSERT INTO conflicts (id, entity_id, kind, reason, severity, fields, local_vv, remote_vv, created_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.EntityID, string(c.Kind), string(c.Reason), c.Severity,
		string(fields), string(localVV), string(remoteVV),
		c.CreatedAt.UnixNano(), c.Resolved)
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

// ListConflicts returns conflicts ordered oldest first, optionally
// including resolved ones.
func (s *Store) ListConflicts(ctx context.Context, includeResolved bool) ([]ledger.Conflict, error) {
	query := `SELECT id, entity_id, kind, reason, severity, fields, local_vv, remote_vv, created_at, resolved
		FROM conflicts WHERE resolved = 0 OR ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var result []ledger.Conflict
	for rows.Next() {
		var (
			c                         ledger.Conflict
			kind, reason              string
			fields, localVV, remoteVV string
			createdAt                 int64
		)
		err := rows.Scan(&c.ID, &c.EntityID, &kind, &reason, &c.Severity,
			&fields, &localVV, &remoteVV, &createdAt, &c.Resolved)
		if err != nil {
			return nil, err
		}
		c.Kind = ledger.Kind(kind)
		c.Reason = ledger.ConflictReason(reason)
		c.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(localVV), &c.LocalVV); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(remoteVV), &c.RemoteVV); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkConflictResolved flags a conflict as handled.
func (s *Store) MarkConflictResolved(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conflicts SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
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

// SaveSuperseded retains the losing version of a concurrent merge.
func (s *Store) SaveSuperseded(ctx context.Context, sup ledger.Superseded) error {
	vv, err := json.Marshal(sup.VV)
	if err != nil {
		return err
	}
	query := `INSERT INTO superseded (id, entity_id, kind, payload, nonce, vv, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		sup.ID, sup.EntityID, string(sup.Kind),
		sup.Payload.Ciphertext, sup.Payload.Nonce,
		string(vv), sup.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save superseded version: %w", err)
	}
	return nil
}

// ScanSuperseded pages through all retained versions in id order. Key
// rotation uses it to re-encrypt them in chunks.
func (s *Store) ScanSuperseded(ctx context.Context, afterID string, limit int) ([]ledger.Superseded, error) {
	query := `SELECT id, entity_id, kind, payload, nonce, vv, created_at
		FROM superseded WHERE id > ? ORDER BY id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan superseded versions: %w", err)
	}
	defer rows.Close()
	return collectSuperseded(rows)
}

// ReplaceSupersededPayload swaps a retained version's ciphertext in place.
// Only key rotation may use it.
func (s *Store) ReplaceSupersededPayload(ctx context.Context, id string, payload cryptox.Box) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE superseded SET payload = ?, nonce = ? WHERE id = ?`,
		payload.Ciphertext, payload.Nonce, id)
	if err != nil {
		return fmt.Errorf("failed to replace superseded payload: %w", err)
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

// ListSuperseded returns retained losing versions for one entity, oldest
// first.
func (s *Store) ListSuperseded(ctx context.Context, entityID string) ([]ledger.Superseded, error) {
	query := `SELECT id, entity_id, kind, payload, nonce, vv, created_at
		FROM superseded WHERE entity_id = ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to list superseded versions: %w", err)
	}
	defer rows.Close()
	return collectSuperseded(rows)
}

func collectSuperseded(rows *sql.Rows) ([]ledger.Superseded, error) {
	var result []ledger.Superseded
	for rows.Next() {
		var (
			sup       ledger.Superseded
			kind, vv  string
			createdAt int64
		)
		err := rows.Scan(&sup.ID, &sup.EntityID, &kind,
			&sup.Payload.Ciphertext, &sup.Payload.Nonce, &vv, &createdAt)
		if err != nil {
			return nil, err
		}
		sup.Kind = ledger.Kind(kind)
		sup.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(vv), &sup.VV); err != nil {
			return nil, err
		}
		result = append(result, sup)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
