package cryptox

import "errors"

var (
	// ErrAuthenticationFailed is returned when an AEAD tag does not verify:
	// wrong key, corruption, or tampering. Callers must treat the payload as
	// unusable and never fall back to best-effort decryption.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrWeakPassphrase is returned when the passphrase entropy estimate is
	// below the configured floor. Recoverable by retrying with new input.
	ErrWeakPassphrase = errors.New("weak passphrase")

	// ErrKdfTimeout is returned when key derivation exceeds its safety
	// ceiling, usually a sign of misconfigured cost parameters.
	ErrKdfTimeout = errors.New("key derivation timed out")

	// ErrUnknownPurpose is returned by DeriveSubkey for an unrecognized label.
	ErrUnknownPurpose = errors.New("unknown subkey purpose")
)
