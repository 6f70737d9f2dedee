package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/dbx"
)

// PrincipalKey is one principal's key material. The company key is wrapped
// to the principal's public wrap key; the matching private key is sealed
// under a key derived from the principal's passphrase. The store never sees
// any of them unsealed.
type PrincipalKey struct {
	PrincipalID string
	UserID      string
	DeviceID    string
	Role        string

	// KDFSalt is the per-principal salt for the passphrase KDF.
	KDFSalt []byte

	// PubKey is the X25519 public wrap key, stored in the clear so any
	// admin can rotate the company key for this principal.
	PubKey []byte

	// SealedPrivKey is the private wrap key, sealed under the principal's
	// passphrase-derived subkey.
	SealedPrivKey cryptox.Box

	// WrappedKey is the company key, wrapped to PubKey.
	WrappedKey []byte

	KeyEpoch int64
	Revoked  bool
}

// SavePrincipalKey upserts a principal key row.
func (s *Store) SavePrincipalKey(ctx context.Context, pk PrincipalKey) error {
	return savePrincipalKey(ctx, s.db, pk)
}

func savePrincipalKey(ctx context.Context, db dbx.DBTX, pk PrincipalKey) error {
	query := `INSERT INTO principal_keys (principal_id, user_id, device_id, role, kdf_salt, pub_key, priv_ciphertext, priv_nonce, wrapped_key, key_epoch, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET
			pub_key = excluded.pub_key,
			priv_ciphertext = excluded.priv_ciphertext,
			priv_nonce = excluded.priv_nonce,
			wrapped_key = excluded.wrapped_key,
			key_epoch = excluded.key_epoch,
			revoked = excluded.revoked`
	_, err := db.ExecContext(ctx, query,
		pk.PrincipalID, pk.UserID, pk.DeviceID, pk.Role,
		pk.KDFSalt, pk.PubKey,
		pk.SealedPrivKey.Ciphertext, pk.SealedPrivKey.Nonce,
		pk.WrappedKey, pk.KeyEpoch, pk.Revoked)
	if err != nil {
		return fmt.Errorf("failed to save principal key: %w", err)
	}
	return nil
}

// GetPrincipalKey returns the key row for one principal, or
// common.ErrNotFound.
func (s *Store) GetPrincipalKey(ctx context.Context, principalID string) (PrincipalKey, error) {
	query := `SELECT principal_id, user_id, device_id, role, kdf_salt, pub_key, priv_ciphertext, priv_nonce, wrapped_key, key_epoch, revoked
		FROM principal_keys WHERE principal_id = ?`
	var pk PrincipalKey
	err := s.db.QueryRowContext(ctx, query, principalID).Scan(
		&pk.PrincipalID, &pk.UserID, &pk.DeviceID, &pk.Role,
		&pk.KDFSalt, &pk.PubKey,
		&pk.SealedPrivKey.Ciphertext, &pk.SealedPrivKey.Nonce,
		&pk.WrappedKey, &pk.KeyEpoch, &pk.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return PrincipalKey{}, common.ErrNotFound
	}
	if err != nil {
		return PrincipalKey{}, fmt.Errorf("failed to get principal key: %w", err)
	}
	return pk, nil
}

// ListPrincipalKeys returns all principal key rows, optionally filtering out
// revoked principals.
func (s *Store) ListPrincipalKeys(ctx context.Context, activeOnly bool) ([]PrincipalKey, error) {
	query := `SELECT principal_id, user_id, device_id, role, kdf_salt, pub_key, priv_ciphertext, priv_nonce, wrapped_key, key_epoch, revoked
		FROM principal_keys WHERE revoked = 0 OR NOT ? ORDER BY principal_id`
	rows, err := s.db.QueryContext(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list principal keys: %w", err)
	}
	defer rows.Close()

	var result []PrincipalKey
	for rows.Next() {
		var pk PrincipalKey
		err := rows.Scan(&pk.PrincipalID, &pk.UserID, &pk.DeviceID, &pk.Role,
			&pk.KDFSalt, &pk.PubKey,
			&pk.SealedPrivKey.Ciphertext, &pk.SealedPrivKey.Nonce,
			&pk.WrappedKey, &pk.KeyEpoch, &pk.Revoked)
		if err != nil {
			return nil, err
		}
		result = append(result, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ReplacePrincipalKeys atomically installs a new generation of wrappings and
// the epoch they belong to. Rotation must never leave some principals on the
// old epoch and some on the new one.
func (s *Store) ReplacePrincipalKeys(ctx context.Context, epoch int64, keys []PrincipalKey) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, pk := range keys {
			if err := savePrincipalKey(ctx, tx, pk); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, MetaKeyEpoch, []byte(fmt.Sprintf("%d", epoch)))
		return err
	})
}

// RevokePrincipal marks a principal revoked. Its row stays for the audit
// trail but is excluded from future rotations.
func (s *Store) RevokePrincipal(ctx context.Context, principalID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principal_keys SET revoked = 1 WHERE principal_id = ?`, principalID)
	if err != nil {
		return fmt.Errorf("failed to revoke principal: %w", err)
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
