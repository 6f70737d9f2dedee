// Package auth issues and validates the relay's HS256 access tokens.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tallysync/tally/internal/common"
)

// Claims carries the authenticated principal and the company whose deltas it
// may read. Both are relay-side routing identities, never key material.
type Claims struct {
	jwt.RegisteredClaims
	PrincipalID string
	CompanyID   string
}

// GenerateToken mints a signed access token for the principal.
func GenerateToken(principalID, companyID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		PrincipalID: principalID,
		CompanyID:   companyID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// ParseToken validates the token and returns its claims. Expired tokens yield
// common.ErrTokenExpired; anything else invalid yields common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
