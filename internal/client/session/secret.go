package session

import "github.com/tallysync/tally/internal/cryptox"

// Secret holds key material that must be zeroized when no longer needed.
// Close is idempotent.
type Secret struct {
	b []byte
}

// NewSecret takes ownership of b.
func NewSecret(b []byte) *Secret {
	return &Secret{b: b}
}

// Bytes returns the secret bytes. The slice is owned by the Secret and
// becomes invalid after Close.
func (s *Secret) Bytes() []byte {
	return s.b
}

// Close zeroizes the secret.
func (s *Secret) Close() {
	cryptox.Wipe(s.b)
	s.b = nil
}
