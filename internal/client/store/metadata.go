package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Well-known metadata keys.
const (
	MetaPullCursor  = "pull_cursor"  // last relay sequence applied
	MetaKeyEpoch    = "key_epoch"    // current company key epoch
	MetaCompanyID   = "company_id"   // relay-side company identifier
	MetaPrincipalID = "principal_id" // this device's principal id
	MetaKDFParams   = "kdf_params"   // JSON of the KDF cost parameters
	MetaLastSyncAt  = "last_sync_at" // wall clock of the last successful sync
)

// GetMeta returns the value for key, or (nil, nil) when unset.
func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts the value for key.
func (s *Store) SetMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

// DeleteMeta removes key. Deleting an absent key is not an error.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}
