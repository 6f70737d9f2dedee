package deltas

import (
	"context"
	"fmt"
	"time"

	"github.com/tallysync/tally/internal/dbx"
	"github.com/tallysync/tally/internal/relay/models"
)

// PostgresRepository implements delta storage over dbx.DBTX (satisfied by
// *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert appends a delta. A duplicate delta_id is swallowed so that a client
// retrying after a lost response gets the same outcome as the first attempt.
func (r *PostgresRepository) Insert(ctx context.Context, d *models.Delta) (bool, error) {
	query := `
		INSERT INTO deltas (delta_id, company_id, principal_id, ts, ciphertext, nonce, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (delta_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		d.DeltaID, d.CompanyID, d.PrincipalID, d.Timestamp, d.Ciphertext, d.Nonce, d.Hash)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return ra == 1, nil
}

// SelectSince pages a company's deltas in sequence order. It fetches one row
// beyond the limit to learn whether more pages remain.
func (r *PostgresRepository) SelectSince(ctx context.Context, companyID string, since int64, limit int) ([]*models.Delta, bool, error) {
	query := `
		SELECT server_seq, delta_id, company_id, principal_id, ts, ciphertext, nonce, hash, created_at
		FROM deltas
		WHERE company_id = $1 AND server_seq > $2
		ORDER BY server_seq
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, companyID, since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Delta
	for rows.Next() {
		d := &models.Delta{}
		err := rows.Scan(&d.ServerSeq, &d.DeltaID, &d.CompanyID, &d.PrincipalID,
			&d.Timestamp, &d.Ciphertext, &d.Nonce, &d.Hash, &d.CreatedAt)
		if err != nil {
			return nil, false, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	more := len(result) > limit
	if more {
		result = result[:limit]
	}
	return result, more, nil
}

// Ack records a principal's durable application of a delta.
func (r *PostgresRepository) Ack(ctx context.Context, deltaID, principalID string) error {
	query := `
		INSERT INTO delta_acks (delta_id, principal_id)
		VALUES ($1, $2)
		ON CONFLICT (delta_id, principal_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, deltaID, principalID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// DeleteOlderThan prunes deltas past the hard retention window.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM deltas WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

// DeleteFullyAcked prunes deltas older than the cutoff once every principal
// of the owning company has acked them.
func (r *PostgresRepository) DeleteFullyAcked(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM deltas d
		WHERE d.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM principals p
			WHERE p.company_id = d.company_id
			  AND NOT EXISTS (
				SELECT 1 FROM delta_acks a
				WHERE a.delta_id = d.delta_id AND a.principal_id = p.id
			  )
		  )
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}
