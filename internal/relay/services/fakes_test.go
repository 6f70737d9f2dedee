package services

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/dbx"
	"github.com/tallysync/tally/internal/logging"
	"github.com/tallysync/tally/internal/relay/models"
	"github.com/tallysync/tally/internal/relay/repositories/deltas"
	"github.com/tallysync/tally/internal/relay/repositories/principals"
	"github.com/tallysync/tally/internal/relay/repositories/refreshtokens"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

// newMockDB returns a *sql.DB whose transactions always succeed, for services
// that wrap fake repositories in dbx.WithTx.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

type fakePrincipals struct {
	rows map[string]*models.Principal
}

func newFakePrincipals() *fakePrincipals {
	return &fakePrincipals{rows: make(map[string]*models.Principal)}
}

func (f *fakePrincipals) Create(_ context.Context, p *models.Principal) error {
	f.rows[p.ID] = p
	return nil
}

func (f *fakePrincipals) Get(_ context.Context, id string) (*models.Principal, error) {
	p, ok := f.rows[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return p, nil
}

type fakeTokens struct {
	rows map[string]*models.RefreshToken
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{rows: make(map[string]*models.RefreshToken)}
}

func (f *fakeTokens) Create(_ context.Context, principalID, token string, validity time.Duration) error {
	f.rows[token] = &models.RefreshToken{PrincipalID: principalID, Token: token, Expires: time.Now().Add(validity)}
	return nil
}

func (f *fakeTokens) Find(_ context.Context, token string) (*models.RefreshToken, error) {
	rt, ok := f.rows[token]
	if !ok {
		return nil, common.ErrNotFound
	}
	return rt, nil
}

func (f *fakeTokens) Delete(_ context.Context, token string) error {
	delete(f.rows, token)
	return nil
}

type fakeDeltas struct {
	rows []*models.Delta
	acks map[string]map[string]bool
	seq  int64
}

func newFakeDeltas() *fakeDeltas {
	return &fakeDeltas{acks: make(map[string]map[string]bool)}
}

func (f *fakeDeltas) Insert(_ context.Context, d *models.Delta) (bool, error) {
	for _, existing := range f.rows {
		if existing.DeltaID == d.DeltaID {
			return false, nil
		}
	}
	f.seq++
	stored := *d
	stored.ServerSeq = f.seq
	stored.CreatedAt = time.Now()
	f.rows = append(f.rows, &stored)
	return true, nil
}

func (f *fakeDeltas) SelectSince(_ context.Context, companyID string, since int64, limit int) ([]*models.Delta, bool, error) {
	var result []*models.Delta
	more := false
	for _, d := range f.rows {
		if d.CompanyID != companyID || d.ServerSeq <= since {
			continue
		}
		if len(result) == limit {
			more = true
			break
		}
		result = append(result, d)
	}
	return result, more, nil
}

func (f *fakeDeltas) Ack(_ context.Context, deltaID, principalID string) error {
	if f.acks[deltaID] == nil {
		f.acks[deltaID] = make(map[string]bool)
	}
	f.acks[deltaID][principalID] = true
	return nil
}

func (f *fakeDeltas) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	return f.deleteIf(func(d *models.Delta) bool { return d.CreatedAt.Before(cutoff) })
}

func (f *fakeDeltas) DeleteFullyAcked(_ context.Context, cutoff time.Time) (int64, error) {
	return f.deleteIf(func(d *models.Delta) bool {
		return d.CreatedAt.Before(cutoff) && len(f.acks[d.DeltaID]) > 0
	})
}

func (f *fakeDeltas) deleteIf(match func(*models.Delta) bool) (int64, error) {
	var kept []*models.Delta
	var n int64
	for _, d := range f.rows {
		if match(d) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	f.rows = kept
	return n, nil
}

type fakeManager struct {
	principals *fakePrincipals
	tokens     *fakeTokens
	deltas     *fakeDeltas
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		principals: newFakePrincipals(),
		tokens:     newFakeTokens(),
		deltas:     newFakeDeltas(),
	}
}

func (m *fakeManager) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *fakeManager) Principals(dbx.DBTX) principals.Repository { return m.principals }

func (m *fakeManager) RefreshTokens(dbx.DBTX) refreshtokens.Repository { return m.tokens }

func (m *fakeManager) Deltas(dbx.DBTX) deltas.Repository { return m.deltas }
