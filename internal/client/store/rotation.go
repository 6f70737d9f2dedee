package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
)

// RotationJob is a resumable re-encryption checkpoint. The rotation worker
// processes entities in id order and records the last id it finished, so a
// crash mid-rotation resumes instead of restarting.
type RotationJob struct {
	ID       string
	KeyEpoch int64

	// SealedOldKey is the retiring company key, sealed under the new one.
	// Resuming after a crash needs it to decrypt not-yet-rotated payloads.
	SealedOldKey cryptox.Box

	LastEntityID string
	DoneCount    int64
	TotalCount   int64
	Completed    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateRotationJob inserts a new job row.
func (s *Store) CreateRotationJob(ctx context.Context, job RotationJob) error {
	query := `INSERT INTO rotation_jobs (id, key_epoch, old_key_ciphertext, old_key_nonce, last_entity_id, done_count, total_count, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.KeyEpoch, job.SealedOldKey.Ciphertext, job.SealedOldKey.Nonce,
		job.LastEntityID, job.DoneCount, job.TotalCount,
		job.Completed, job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create rotation job: %w", err)
	}
	return nil
}

// ActiveRotationJob returns the unfinished job if one exists, or
// common.ErrNotFound.
func (s *Store) ActiveRotationJob(ctx context.Context) (RotationJob, error) {
	query := `SELECT id, key_epoch, old_key_ciphertext, old_key_nonce, last_entity_id, done_count, total_count, completed, created_at, updated_at
		FROM rotation_jobs WHERE completed = 0 ORDER BY created_at LIMIT 1`
	var (
		job                  RotationJob
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&job.ID, &job.KeyEpoch, &job.SealedOldKey.Ciphertext, &job.SealedOldKey.Nonce,
		&job.LastEntityID, &job.DoneCount, &job.TotalCount,
		&job.Completed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RotationJob{}, common.ErrNotFound
	}
	if err != nil {
		return RotationJob{}, fmt.Errorf("failed to get rotation job: %w", err)
	}
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return job, nil
}

// CheckpointRotationJob advances a job's cursor after a chunk is done.
func (s *Store) CheckpointRotationJob(ctx context.Context, id, lastEntityID string, done int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rotation_jobs SET last_entity_id = ?, done_count = ?, updated_at = ? WHERE id = ? AND completed = 0`,
		lastEntityID, done, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to checkpoint rotation job: %w", err)
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

// CompleteRotationJob marks a job finished.
func (s *Store) CompleteRotationJob(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rotation_jobs SET completed = 1, updated_at = ? WHERE id = ?`,
		at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to complete rotation job: %w", err)
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
