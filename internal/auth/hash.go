package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
)

// sealSalt is the fixed KDF context for raw-payload sealing. The secret is
// the entropy source; the salt only domain-separates this derivation from
// any other Argon2 use of the same secret.
var sealSalt = []byte("veritas.raw-payload.v1")

// Sealer encrypts raw provider payloads at rest. Normalized findings are
// queryable rows; the raw upstream response is stored opaque and encrypted,
// accessible only via audited key use. The AES-256-GCM key is derived from
// an operator secret with Argon2id.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret. An empty secret returns a
// nil Sealer: raw payloads are then stored as opaque references only.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, nil
	}
	key := argon2.IDKey([]byte(secret), sealSalt, argonTime, argonMemory, argonThreads, argonKeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("auth: sealer cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("auth: sealer gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, prepending the nonce to the ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("auth: seal nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a Seal output.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("auth: sealed payload too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open payload: %w", err)
	}
	return plaintext, nil
}
