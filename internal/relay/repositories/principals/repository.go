// Package principals declares the relay-side repository contract for
// principal enrollments.
package principals

import (
	"context"

	"github.com/tallysync/tally/internal/relay/models"
)

// Repository defines operations over enrolled principals.
type Repository interface {
	// Create stores a new principal. Duplicate IDs are an error.
	Create(ctx context.Context, p *models.Principal) error

	// Get looks a principal up by ID. Implementations return a not-found
	// error when the principal is absent.
	Get(ctx context.Context, id string) (*models.Principal, error)
}
