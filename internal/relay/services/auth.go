// Package services contains relay-side business logic. This file implements
// AuthService, which handles principal enrollment, login, and
// issuing/refreshing JWTs plus server-stored refresh tokens.
package services

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tallysync/tally/internal/common"
	"github.com/tallysync/tally/internal/dbx"
	"github.com/tallysync/tally/internal/relay/auth"
	"github.com/tallysync/tally/internal/relay/config"
	"github.com/tallysync/tally/internal/relay/models"
	"github.com/tallysync/tally/internal/relay/repositories/repomanager"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthService provides authentication-related operations:
// - Register: enroll principals
// - GetSalt: hand out KDF salts for fresh-device key derivation
// - Login: verify credentials and mint tokens
// - RefreshToken: rotate refresh tokens and mint new access tokens
type AuthService struct {
	db                           *sql.DB
	repomanager                  repomanager.RepositoryManager
	jwtSecret                    []byte
	accessTokenValidityDuration  time.Duration
	refreshTokenValidityDuration time.Duration
}

// NewAuthService constructs an AuthService using repositories and relay config.
func NewAuthService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config) *AuthService {
	return &AuthService{
		db:                           db,
		repomanager:                  m,
		jwtSecret:                    []byte(cfg.SecretKey),
		accessTokenValidityDuration:  cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration: cfg.RefreshTokenValidityDuration,
	}
}

// Register enrolls a new principal. The relay stores only the salt and the
// verifier hash, never anything that can decrypt ledger data.
func (s *AuthService) Register(ctx context.Context, p *models.Principal) error {
	repo := s.repomanager.Principals(s.db)
	if err := repo.Create(ctx, p); err != nil {
		return fmt.Errorf("error creating principal: %v", err)
	}
	return nil
}

// GetSalt returns the principal's stored salt or a random salt if the
// principal is absent, to avoid leaking existence through timing.
func (s *AuthService) GetSalt(ctx context.Context, principalID string) ([]byte, error) {
	repo := s.repomanager.Principals(s.db)
	p, err := repo.Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return s.getRandomSalt(), nil
		}
		return nil, common.ErrInternal
	}
	return p.Salt, nil
}

// Login verifies the provided verifierCandidate against the stored verifier
// and, on success, returns a new TokenPair.
func (s *AuthService) Login(ctx context.Context, principalID string, verifierCandidate []byte) (*TokenPair, error) {
	repo := s.repomanager.Principals(s.db)
	p, err := repo.Get(ctx, principalID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrUnauthorized
		}
		return nil, common.ErrInternal
	}
	if !s.checkVerifier(p.Verifier, verifierCandidate) {
		return nil, common.ErrUnauthorized
	}
	return s.generateTokenPair(ctx, p.ID, p.CompanyID, s.db)
}

// RefreshToken validates a refresh token, rotates it transactionally, and
// returns a fresh TokenPair. Expired tokens yield ErrRefreshTokenExpired.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	repo := s.repomanager.RefreshTokens(s.db)

	token, err := repo.Find(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrUnauthorized
		}
		return nil, fmt.Errorf("error searching refresh token: %v", err)
	}
	if token.Expires.Before(time.Now()) {
		return nil, common.ErrRefreshTokenExpired
	}

	principal, err := s.repomanager.Principals(s.db).Get(ctx, token.PrincipalID)
	if err != nil {
		return nil, common.ErrInternal
	}

	var pair *TokenPair
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repoTx := s.repomanager.RefreshTokens(tx)
		if err := repoTx.Delete(ctx, refreshToken); err != nil {
			return fmt.Errorf("error deleting refresh token: %v", err)
		}
		var genErr error
		pair, genErr = s.generateTokenPair(ctx, principal.ID, principal.CompanyID, tx)
		return genErr
	}); err != nil {
		return nil, err
	}
	return pair, nil
}

// --- helpers below ---

func (s *AuthService) getRandomSalt() []byte { return common.GenerateRandByteArray(32) }

func (s *AuthService) generateAccessToken(principalID, companyID string) (string, error) {
	return auth.GenerateToken(principalID, companyID, s.jwtSecret, s.accessTokenValidityDuration)
}

func (s *AuthService) generateRefreshToken() (string, error) {
	return common.MakeRandHexString(32)
}

func (s *AuthService) checkVerifier(verifier []byte, candidate []byte) bool {
	return subtle.ConstantTimeCompare(verifier, candidate) == 1
}

func (s *AuthService) generateTokenPair(ctx context.Context, principalID, companyID string, tx dbx.DBTX) (*TokenPair, error) {
	access, err := s.generateAccessToken(principalID, companyID)
	if err != nil {
		return nil, common.ErrInternal
	}
	refresh, err := s.generateRefreshToken()
	if err != nil {
		return nil, common.ErrInternal
	}
	refreshRepo := s.repomanager.RefreshTokens(tx)
	if err := refreshRepo.Create(ctx, principalID, refresh, s.refreshTokenValidityDuration); err != nil {
		return nil, common.ErrInternal
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
