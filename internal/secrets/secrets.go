// Package secrets provides AES-256-GCM encryption for user-managed
// secrets (API keys, tokens) at rest, per spec.md §6's
// "encryption of user secrets... treated as a library" boundary.
//
// No example repo or the teacher carries a dedicated crypto/secrets
// package; none of the pack's third-party deps improve on the standard
// library here (crypto/aes + crypto/cipher is the correct, minimal tool
// for authenticated symmetric encryption and is what Go's own ecosystem
// reaches for rather than a wrapper library), so this is the one
// component deliberately built on stdlib, documented as required by the
// top-level process rather than silently defaulted to it.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/coderelay/orchestrator/internal/apierr"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

// Service encrypts and decrypts secret values with a single master key.
type Service struct {
	key []byte
}

// New constructs a Service from a 32-byte master key.
func New(key []byte) (*Service, error) {
	if len(key) != KeySize {
		return nil, apierr.Validation("master key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Service{key: key}, nil
}

// NewFromBase64 decodes a base64-encoded master key, as configured via
// the ORCHESTRATOR_MASTER_KEY environment variable per spec.md §7.
func NewFromBase64(encoded string) (*Service, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierr.Validation("master key is not valid base64: %v", err)
	}
	return New(key)
}

// Encrypt returns a base64-encoded ciphertext: a random nonce followed
// by the GCM-sealed value (ciphertext plus authentication tag).
func (s *Service) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", apierr.Fatal("construct AES cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apierr.Fatal("construct GCM mode: %v", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apierr.Fatal("generate nonce: %v", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure — malformed input, wrong key,
// tampered ciphertext — is reported uniformly as "secret not found" per
// spec.md §7's error-taxonomy note, to avoid leaking which failure mode
// occurred.
func (s *Service) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apierr.NotFound("secret not found")
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", apierr.Fatal("construct AES cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apierr.Fatal("construct GCM mode: %v", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", apierr.NotFound("secret not found")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apierr.NotFound("secret not found")
	}
	return string(plaintext), nil
}

// RotateKey is a documented stub: a full implementation must decrypt
// every stored record under the old key and re-encrypt under the new
// one inside a single lock, which needs access to the record store this
// package doesn't have. Not required by the core per spec.md's open
// question on key rotation.
func (s *Service) RotateKey(newKey []byte) error {
	return apierr.Fatal("key rotation requires iterating all stored records under a lock; not implemented in the core secrets service")
}
