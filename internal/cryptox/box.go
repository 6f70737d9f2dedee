package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// Box is an authenticated ciphertext: AES-256-GCM output plus the nonce it
// was sealed with. The GCM tag is appended to Ciphertext.
type Box struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts plaintext under key with AES-256-GCM.
//
// A fresh random nonce is generated on every call; callers cannot supply one,
// which structurally prevents nonce reuse under the same key.
func Seal(key, plaintext []byte) (Box, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Box{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Box{}, fmt.Errorf("nonce generation failed: %w", err)
	}

	return Box{Nonce: nonce, Ciphertext: aead.Seal(nil, nonce, plaintext, nil)}, nil
}

// Open decrypts a Box. Any tag mismatch, whether from a wrong key,
// corruption, or tampering, returns ErrAuthenticationFailed.
func Open(key []byte, box Box) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, box.Nonce, box.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// SealJSON serializes v to JSON and seals it.
func SealJSON(key []byte, v any) (Box, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return Box{}, err
	}
	return Seal(key, plaintext)
}

// OpenJSON opens a Box and unmarshals the plaintext into v.
func OpenJSON(key []byte, box Box, v any) error {
	plaintext, err := Open(key, box)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
