// Package crypto seals credential blobs before they are handed to the OS secret
// store. It implements AES-256-GCM authenticated encryption; the additional
// authenticated data binds a sealed blob to the identity it was stored under, so
// a blob copied between keyring entries fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a sealed blob fails authentication.
var ErrOpen = errors.New("sealed blob failed authentication")

// Sealer encrypts and authenticates opaque blobs.
type Sealer interface {
	// Seal returns nonce || ciphertext || tag for plaintext bound to aad.
	Seal(plaintext, aad []byte) ([]byte, error)

	// Open verifies and decrypts a blob produced by Seal with the same aad.
	Open(sealed, aad []byte) ([]byte, error)

	// KeyID identifies the key so rotated keys can be told apart.
	KeyID() string
}

// AESSealer implements Sealer using AES-256-GCM.
type AESSealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESSealer creates a sealer from a base64-encoded 32-byte key.
// Generate one with:
//
//	openssl rand -base64 32
func NewAESSealer(base64Key, keyID string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("sealing key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid sealing key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid sealing key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if keyID == "" {
		keyID = "default"
	}
	return &AESSealer{aead: gcm, keyID: keyID}, nil
}

// KeyID returns the configured key identifier.
func (s *AESSealer) KeyID() string { return s.keyID }

// Seal encrypts plaintext with a fresh random nonce.
func (s *AESSealer) Seal(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts sealed. Authentication failures return
// ErrOpen without further detail.
func (s *AESSealer) Open(sealed, aad []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("sealed blob too short: got %d bytes", len(sealed))
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}
