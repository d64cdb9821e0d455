// Package vault encrypts PII profiles at rest with AES-256-GCM. The store
// only ever sees ciphertext, nonce, and tag; plaintext profiles exist in
// memory for the duration of a task.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// Vault seals and opens PII payloads under one 256-bit key.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from a 64-character hex key.
func New(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("vault: encryption key must be 64 hex characters")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Sealed is the at-rest form of a profile: ciphertext, nonce, auth tag, and
// a hash of the plaintext for change detection.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
	DataHash   string
}

// Seal encrypts a profile document.
func (v *Vault) Seal(profile map[string]any) (*Sealed, error) {
	plaintext, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("vault: marshal profile: %w", err)
	}

	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	sum := sha256.Sum256(plaintext)
	return &Sealed{
		Ciphertext: sealed[:len(sealed)-tagSize],
		IV:         iv,
		Tag:        sealed[len(sealed)-tagSize:],
		DataHash:   hex.EncodeToString(sum[:]),
	}, nil
}

// Open decrypts a sealed profile.
func (v *Vault) Open(s *Sealed) (map[string]any, error) {
	sealed := append(append([]byte{}, s.Ciphertext...), s.Tag...)
	plaintext, err := v.aead.Open(nil, s.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	var profile map[string]any
	if err := json.Unmarshal(plaintext, &profile); err != nil {
		return nil, fmt.Errorf("vault: unmarshal profile: %w", err)
	}
	return profile, nil
}
