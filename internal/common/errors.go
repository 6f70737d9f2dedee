// Package common defines shared constants and sentinel errors used across
// client and relay layers of Tally. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSyncDeferred signals that the retry budget for a push or pull was
	// exhausted. Queued work stays local and is retried on the next
	// connectivity event; this is a visible status, not data loss.
	ErrSyncDeferred = errors.New("sync deferred")

	// ErrAccessRevoked signals that a principal's wrapped company key
	// belongs to a stale key epoch. The session must re-authenticate.
	ErrAccessRevoked = errors.New("access revoked")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)
