package principals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/dbx"
	"github.com/tallysync/tally/internal/relay/models"
)

// PostgresRepository implements principal storage over dbx.DBTX (satisfied by
// *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new principal enrollment.
func (r *PostgresRepository) Create(ctx context.Context, p *models.Principal) error {
	query := `
		INSERT INTO principals (id, company_id, user_id, device_id, role, salt, verifier)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.CompanyID, p.UserID, p.DeviceID, p.Role, p.Salt, p.Verifier)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Get returns the principal with the given ID, or common.ErrNotFound.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Principal, error) {
	query := `
		SELECT id, company_id, user_id, device_id, role, salt, verifier, created_at
		FROM principals
		WHERE id = $1
	`
	p := &models.Principal{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.CompanyID, &p.UserID, &p.DeviceID, &p.Role, &p.Salt, &p.Verifier, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}
