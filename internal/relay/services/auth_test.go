package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/relay/auth"
	"github.com/tallysync/tally/internal/relay/config"
	"github.com/tallysync/tally/internal/relay/models"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.SecretKey = "test-secret"
	return cfg
}

func enrolled() *models.Principal {
	return &models.Principal{
		ID: "prn-1", CompanyID: "cmp-1", UserID: "alice", DeviceID: "laptop",
		Role: "admin", Salt: []byte("salt"), Verifier: []byte("verifier"),
	}
}

func TestRegisterAndLogin(t *testing.T) {
	db, _ := newMockDB(t)
	m := newFakeManager()
	s := NewAuthService(db, m, testConfig())
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, enrolled()))

	pair, err := s.Login(ctx, "prn-1", []byte("verifier"))
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := auth.ParseToken(pair.AccessToken, []byte("test-secret"))
	require.NoError(t, err)
	assert.Equal(t, "prn-1", claims.PrincipalID)
	assert.Equal(t, "cmp-1", claims.CompanyID)
}

func TestLogin_WrongVerifier(t *testing.T) {
	db, _ := newMockDB(t)
	m := newFakeManager()
	s := NewAuthService(db, m, testConfig())
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, enrolled()))

	_, err := s.Login(ctx, "prn-1", []byte("forged"))
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestLogin_UnknownPrincipal(t *testing.T) {
	db, _ := newMockDB(t)
	s := NewAuthService(db, newFakeManager(), testConfig())

	_, err := s.Login(context.Background(), "ghost", []byte("verifier"))
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestGetSalt(t *testing.T) {
	db, _ := newMockDB(t)
	m := newFakeManager()
	s := NewAuthService(db, m, testConfig())
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, enrolled()))

	salt, err := s.GetSalt(ctx, "prn-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("salt"), salt)

	// Unknown principals get a plausible random salt, not an error.
	salt, err = s.GetSalt(ctx, "ghost")
	require.NoError(t, err)
	assert.Len(t, salt, 32)
}

func TestRefreshToken_RotatesPair(t *testing.T) {
	db, mock := newMockDB(t)
	m := newFakeManager()
	s := NewAuthService(db, m, testConfig())
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, enrolled()))
	pair, err := s.Login(ctx, "prn-1", []byte("verifier"))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()

	fresh, err := s.RefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, fresh.RefreshToken)

	// The old refresh token is single-use.
	_, err = s.RefreshToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestRefreshToken_Expired(t *testing.T) {
	db, _ := newMockDB(t)
	m := newFakeManager()
	s := NewAuthService(db, m, testConfig())
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, enrolled()))
	require.NoError(t, m.tokens.Create(ctx, "prn-1", "stale", -time.Minute))

	_, err := s.RefreshToken(ctx, "stale")
	assert.ErrorIs(t, err, common.ErrRefreshTokenExpired)
}
