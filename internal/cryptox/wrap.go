package cryptox

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/box"
)

// WrapKey encrypts key under wrappingKey so only holders of wrappingKey can
// recover it. Used to seal a principal's private wrap key under that
// principal's derived "enc" subkey.
func WrapKey(wrappingKey, key []byte) (Box, error) {
	return Seal(wrappingKey, key)
}

// UnwrapKey recovers a wrapped key. Fails with ErrAuthenticationFailed if
// wrappingKey is not the key the wrap was made for.
func UnwrapKey(wrappingKey []byte, wrapped Box) ([]byte, error) {
	return Open(wrappingKey, wrapped)
}

// GenerateWrapKeypair returns a fresh X25519 keypair. The public half is
// what key rotation wraps the new company key to; the private half never
// leaves its principal's device unsealed.
func GenerateWrapKeypair() (pub, priv *[32]byte) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return pub, priv
}

// WrapKeyTo seals key to a principal's public wrap key. Anyone holding the
// public key can produce the wrapping; only the private key opens it. That
// asymmetry is what lets an admin rotate the company key for every
// principal without knowing their passphrases.
func WrapKeyTo(pub *[32]byte, key []byte) ([]byte, error) {
	return box.SealAnonymous(nil, key, pub, rand.Reader)
}

// UnwrapKeyFrom opens a WrapKeyTo wrapping with the matching private key.
func UnwrapKeyFrom(pub, priv *[32]byte, wrapped []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, wrapped, pub, priv)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return out, nil
}
