// Package cryptox implements the cryptographic core: passphrase key
// derivation (argon2id), purpose-bound subkey expansion (HKDF-SHA256),
// authenticated encryption (AES-256-GCM) and symmetric key wrapping.
//
// All keys are 32 bytes. Nonces are generated internally and never accepted
// from callers, so nonce reuse under a key cannot be caused by API misuse.
package cryptox

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every symmetric key in the system, in bytes.
const KeySize = 32

// SaltSize is the size of KDF salts, in bytes.
const SaltSize = 32

// Subkey purpose labels. Each label yields an independent key: compromise of
// one purpose's key reveals nothing about another.
const (
	PurposeEnc      = "enc"
	PurposeAuth     = "auth"
	PurposeRecovery = "recovery"
)

const hkdfInfoPrefix = "tally/v1/"

// KDFParams configures argon2id cost parameters.
//
// Defaults are tuned so derivation takes roughly 300–800ms on commodity
// hardware: slow enough to resist brute force, fast enough not to hurt UX.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8

	// EntropyFloorBits is the minimum passphrase entropy estimate accepted
	// by DeriveMasterKey.
	EntropyFloorBits int

	// Ceiling is the hard limit on derivation wall time. Exceeding it fails
	// with ErrKdfTimeout rather than hanging the caller.
	Ceiling time.Duration
}

// DefaultKDFParams returns the production parameter set.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:             3,
		MemoryKiB:        256 * 1024,
		Threads:          4,
		EntropyFloorBits: 40,
		Ceiling:          5 * time.Second,
	}
}

// GenerateSalt returns a fresh random KDF salt.
func GenerateSalt() []byte {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return salt
}

// GenerateKey returns a fresh random 256-bit symmetric key. Used to mint
// company keys.
func GenerateKey() []byte {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return key
}

// DeriveMasterKey derives the master key from a passphrase using argon2id.
//
// The passphrase is checked against the entropy floor first
// (ErrWeakPassphrase). Derivation runs in its own goroutine and is bounded by
// the params ceiling and by ctx (ErrKdfTimeout / ctx.Err()), so callers can
// always keep it off the UI-blocking path.
//
// The returned key lives only in memory; wipe it with Wipe when the session
// ends.
func DeriveMasterKey(ctx context.Context, passphrase, salt []byte, params KDFParams) ([]byte, error) {
	if estimateEntropyBits(passphrase) < params.EntropyFloorBits {
		return nil, ErrWeakPassphrase
	}

	ctx, cancel := context.WithTimeout(ctx, params.Ceiling)
	defer cancel()

	done := make(chan []byte, 1)
	go func() {
		done <- argon2.IDKey(passphrase, salt, params.Time, params.MemoryKiB, params.Threads, KeySize)
	}()

	select {
	case key := <-done:
		return key, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrKdfTimeout
		}
		return nil, ctx.Err()
	}
}

// DeriveSubkey expands a purpose-specific key from the master key via
// HKDF-SHA256. The purpose label is bound into the HKDF info string.
func DeriveSubkey(masterKey []byte, purpose string) ([]byte, error) {
	switch purpose {
	case PurposeEnc, PurposeAuth, PurposeRecovery:
	default:
		return nil, ErrUnknownPurpose
	}

	r := hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfoPrefix+purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// MakeVerifier returns the irreversible login verifier for an auth subkey.
// The relay stores and compares this value; it never sees the key itself.
func MakeVerifier(authKey []byte) []byte {
	hash := sha256.Sum256(authKey)
	return hash[:]
}

// estimateEntropyBits is a cheap passphrase strength estimate:
// length times the bit width of the character classes in use.
func estimateEntropyBits(passphrase []byte) int {
	if len(passphrase) == 0 {
		return 0
	}

	var lower, upper, digit, other bool
	for _, c := range passphrase {
		switch {
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= '0' && c <= '9':
			digit = true
		default:
			other = true
		}
	}

	pool := 0
	if lower {
		pool += 26
	}
	if upper {
		pool += 26
	}
	if digit {
		pool += 10
	}
	if other {
		pool += 33
	}

	bitsPerChar := 0
	for p := pool; p > 1; p >>= 1 {
		bitsPerChar++
	}
	return len(passphrase) * bitsPerChar
}
