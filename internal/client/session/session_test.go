package session

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallysync/tally/internal/client/store"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/logging"
)

// Cheap KDF parameters so tests stay fast. Production costs are irrelevant
// to the logic under test.
func testParams() cryptox.KDFParams {
	return cryptox.KDFParams{
		Time:             1,
		MemoryKiB:        16 * 1024,
		Threads:          2,
		EntropyFloorBits: 20,
		Ceiling:          10 * time.Second,
	}
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func setupManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, testLogger(), testParams()), st
}

var passphrase = []byte("correct horse battery")

func TestBootstrap(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Bootstrap(ctx, Principal{UserID: "user-1", DeviceID: "laptop"}, passphrase)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, RoleAdmin, sess.Principal.Role)
	assert.NotEmpty(t, sess.Principal.ID)
	assert.Len(t, sess.CompanyKey(), cryptox.KeySize)
	assert.Equal(t, int64(1), sess.KeyEpoch())

	// A bootstrapped store cannot be bootstrapped again.
	_, err = m.Bootstrap(ctx, Principal{UserID: "user-2", DeviceID: "phone"}, passphrase)
	assert.Error(t, err)
}

func TestOpen_RecoversCompanyKey(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Bootstrap(ctx, Principal{UserID: "user-1", DeviceID: "laptop"}, passphrase)
	require.NoError(t, err)
	want := append([]byte(nil), sess.CompanyKey()...)
	sess.Close()

	reopened, err := m.Open(ctx, sess.Principal.ID, passphrase)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, want, reopened.CompanyKey())
	assert.Equal(t, "laptop", reopened.Principal.DeviceID)
}

func TestOpen_WrongPassphrase(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Bootstrap(ctx, Principal{UserID: "user-1", DeviceID: "laptop"}, passphrase)
	require.NoError(t, err)
	sess.Close()

	_, err = m.Open(ctx, sess.Principal.ID, []byte("not the passphrase"))
	assert.ErrorIs(t, err, cryptox.ErrAuthenticationFailed)
}

func TestOpen_UnknownPrincipal(t *testing.T) {
	m, _ := setupManager(t)

	_, err := m.Open(context.Background(), "missing", passphrase)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestEnroll_SharesCompanyKey(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	admin, err := m.Bootstrap(ctx, Principal{UserID: "user-1", DeviceID: "laptop"}, passphrase)
	require.NoError(t, err)
	defer admin.Close()

	memberPass := []byte("a different passphrase")
	member, err := m.Enroll(ctx, admin, Principal{UserID: "user-2", DeviceID: "phone", Role: RoleMember}, memberPass)
	require.NoError(t, err)

	sess, err := m.Open(ctx, member.ID, memberPass)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, admin.CompanyKey(), sess.CompanyKey())
	assert.Equal(t, RoleMember, sess.Principal.Role)
	assert.False(t, sess.Principal.ReadOnly())
}

func TestEnroll_RequiresAdmin(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	admin, err := m.Bootstrap(ctx, Principal{UserID: "user-1", DeviceID: "laptop"}, passphrase)
	require.NoError(t, err)
	defer admin.Close()

	memberPass := []byte("a different passphrase")
	member, err := m.Enroll(ctx, admin, Principal{UserID: "user-2", DeviceID: "phone", Role: RoleMember}, memberPass)
	require.NoError(t, err)

	memberSess, err := m.Open(ctx, member.ID, memberPass)
	require.NoError(t, err)
	defer memberSess.Close()

	_, err = m.Enroll(ctx, memberSess, Principal{UserID: "user-3", DeviceID: "tablet", Role: RoleMember}, passphrase)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	_, err = m.Enroll(ctx, admin, Principal{UserID: "user-3", DeviceID: "tablet", Role: "superuser"}, passphrase)
	assert.Error(t, err)
}

func TestEnroll_AuditorIsReadOnly(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	admin, err := m.Bootstrap(ctx, Principal{UserID: "user-1", DeviceID: "laptop"}, passphrase)
	require.NoError(t, err)
	defer admin.Close()

	auditorPass := []byte("the auditor passphrase")
	auditor, err := m.Enroll(ctx, admin, Principal{UserID: "cpa", DeviceID: "office", Role: RoleAuditor}, auditorPass)
	require.NoError(t, err)
	assert.True(t, auditor.ReadOnly())
}

func TestOpen_RevokedPrincipal(t *testing.T) {
	m, st := setupManager(t)
	ctx := context.Background()

	sess, err := m.Bootstrap(ctx, Principal{UserID: "user-1", DeviceID: "laptop"}, passphrase)
	require.NoError(t, err)
	sess.Close()

	require.NoError(t, st.RevokePrincipal(ctx, sess.Principal.ID))

	_, err = m.Open(ctx, sess.Principal.ID, passphrase)
	assert.ErrorIs(t, err, common.ErrAccessRevoked)
}

func TestOpen_StaleEpochWrapping(t *testing.T) {
	m, st := setupManager(t)
	ctx := context.Background()

	sess, err := m.Bootstrap(ctx, Principal{UserID: "user-1", DeviceID: "laptop"}, passphrase)
	require.NoError(t, err)
	sess.Close()

	// Simulate a rotation that this principal's wrapping missed.
	require.NoError(t, st.SetMeta(ctx, store.MetaKeyEpoch, []byte("2")))

	_, err = m.Open(ctx, sess.Principal.ID, passphrase)
	assert.ErrorIs(t, err, common.ErrAccessRevoked)
}

func TestAuthKey_StableAndDistinctFromCompanyKey(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Bootstrap(ctx, Principal{UserID: "user-1", DeviceID: "laptop"}, passphrase)
	require.NoError(t, err)
	defer sess.Close()

	k1, err := m.AuthKey(ctx, sess.Principal.ID, passphrase)
	require.NoError(t, err)
	k2, err := m.AuthKey(ctx, sess.Principal.ID, passphrase)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, sess.CompanyKey(), k1)
}

func TestSecret_CloseWipes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	s := NewSecret(b)
	assert.Equal(t, []byte{1, 2, 3, 4}, s.Bytes())

	s.Close()
	assert.Nil(t, s.Bytes())
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}
