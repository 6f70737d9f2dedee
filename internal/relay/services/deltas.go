package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	"github.com/tallysync/tally/internal/dbx"
	"github.com/tallysync/tally/internal/logging"
	"github.com/tallysync/tally/internal/relay/models"
	"github.com/tallysync/tally/internal/relay/repositories/repomanager"
)

// PushResult reports per-delta outcomes of one push.
type PushResult struct {
	Accepted []string
	Rejected []RejectedDelta
}

// RejectedDelta names a delta the relay refused and why.
type RejectedDelta struct {
	ID     string
	Reason string
}

// DeltaService stores and pages opaque deltas. It verifies only what it can
// see without plaintext: the ciphertext hash and the sender identity.
type DeltaService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	log         logging.Logger
}

// NewDeltaService constructs a DeltaService.
func NewDeltaService(db *sql.DB, m repomanager.RepositoryManager, log logging.Logger) *DeltaService {
	return &DeltaService{db: db, repomanager: m, log: log.With("module", "deltas")}
}

// Push stores a batch atomically. A delta whose ID the relay has already
// seen counts as accepted, so a client retrying after a lost response gets
// the same answer. Hash mismatches and sender spoofing are rejected.
func (s *DeltaService) Push(ctx context.Context, principalID, companyID string, batch []*models.Delta) (*PushResult, error) {
	result := &PushResult{}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Deltas(tx)
		for _, d := range batch {
			if d.PrincipalID != principalID {
				result.Rejected = append(result.Rejected, RejectedDelta{ID: d.DeltaID, Reason: "principal mismatch"})
				continue
			}
			sum := sha256.Sum256(d.Ciphertext)
			if !bytes.Equal(sum[:], d.Hash) {
				result.Rejected = append(result.Rejected, RejectedDelta{ID: d.DeltaID, Reason: "hash mismatch"})
				continue
			}
			d.CompanyID = companyID
			if _, err := repo.Insert(ctx, d); err != nil {
				return fmt.Errorf("error storing delta %s: %w", d.DeltaID, err)
			}
			result.Accepted = append(result.Accepted, d.DeltaID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Pull pages the company's deltas after the given cursor.
func (s *DeltaService) Pull(ctx context.Context, companyID string, since int64, limit int) ([]*models.Delta, bool, error) {
	repo := s.repomanager.Deltas(s.db)
	deltas, more, err := repo.SelectSince(ctx, companyID, since, limit)
	if err != nil {
		return nil, false, fmt.Errorf("error reading deltas: %w", err)
	}
	return deltas, more, nil
}

// Ack records that the principal has durably applied the deltas. Acks gate
// early garbage collection; losing one only delays pruning.
func (s *DeltaService) Ack(ctx context.Context, principalID string, deltaIDs []string) error {
	repo := s.repomanager.Deltas(s.db)
	for _, id := range deltaIDs {
		if err := repo.Ack(ctx, id, principalID); err != nil {
			return fmt.Errorf("error acking delta %s: %w", id, err)
		}
	}
	return nil
}

// Prune applies the retention policy: deltas older than the hard window go
// unconditionally, deltas older than the floor go once every principal of
// their company has acked them. Returns the total number pruned.
func (s *DeltaService) Prune(ctx context.Context, now time.Time, floor, window time.Duration) (int64, error) {
	repo := s.repomanager.Deltas(s.db)

	expired, err := repo.DeleteOlderThan(ctx, now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("error pruning expired deltas: %w", err)
	}

	acked, err := repo.DeleteFullyAcked(ctx, now.Add(-floor))
	if err != nil {
		return expired, fmt.Errorf("error pruning acked deltas: %w", err)
	}

	if expired+acked > 0 {
		s.log.Info(ctx, "pruned deltas", "expired", expired, "fully_acked", acked)
	}
	return expired + acked, nil
}
