// Package sealer encrypts small blobs (persisted sessions) at rest.
//
// The key is derived from a passphrase with argon2id; payloads are sealed
// with AES-256-GCM and laid out as nonce || ciphertext.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const keyLen = 32

var (
	ErrEmptyPassphrase = errors.New("sealer: empty passphrase")
	ErrShortPayload    = errors.New("sealer: payload shorter than nonce")
)

// Sealer seals and opens payloads with a fixed key.
type Sealer struct {
	aead cipher.AEAD
}

// New derives the key from passphrase and salt. The same pair must be used
// to open what was sealed.
func New(passphrase, salt []byte) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	key := argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keyLen)
	return NewWithKey(key)
}

// NewWithKey uses an already derived 16, 24 or 32 byte AES key.
func NewWithKey(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer: gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sealer: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Tampered or foreign payloads fail authentication.
func (s *Sealer) Open(payload []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(payload) < n {
		return nil, ErrShortPayload
	}
	plaintext, err := s.aead.Open(nil, payload[:n], payload[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("sealer: open: %w", err)
	}
	return plaintext, nil
}
