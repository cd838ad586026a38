// Package crypto provides AES-256-GCM authenticated encryption for audit archives written to
// object storage. Archives carry actor emails, client addresses and before/after snapshots, so
// deployments that keep them in a shared bucket can seal each object with a deployment key.
// A sealed object is the random nonce followed by the GCM ciphertext and tag.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the sealed data is too short to contain a valid nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when AES-GCM authentication fails, indicating tampering or a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when the provided salt is fewer than 16 bytes, which would weaken PBKDF2 key derivation.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

const defaultIterations = 100000

// ArchiveCipher seals and opens archive objects.
type ArchiveCipher struct {
	aead cipher.AEAD
}

// NewArchiveCipher creates a cipher with a 32-byte master key
func NewArchiveCipher(masterKey []byte) (*ArchiveCipher, error) {
	if len(masterKey) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &ArchiveCipher{aead: aead}, nil
}

// DeriveArchiveCipher creates a cipher by deriving a key from a passphrase
func DeriveArchiveCipher(passphrase string, salt []byte, iterations int) (*ArchiveCipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = defaultIterations
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	return NewArchiveCipher(derivedKey)
}

// ArchiveCipherFromConfig builds the cipher from the configured key material.
// A key that decodes from base64 to 32 bytes is used directly; anything else
// is treated as a passphrase and derived with salt. An empty key returns nil.
func ArchiveCipherFromConfig(key, salt string) (*ArchiveCipher, error) {
	if key == "" {
		return nil, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == 32 {
		return NewArchiveCipher(raw)
	}
	c, err := DeriveArchiveCipher(key, []byte(salt), defaultIterations)
	if err != nil {
		return nil, fmt.Errorf("archive encryption key is not a base64 AES-256 key and cannot be derived: %w", err)
	}
	return c, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *ArchiveCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (c *ArchiveCipher) Open(sealed []byte) ([]byte, error) {
	nonceLen := c.aead.NonceSize()
	if len(sealed) < nonceLen+c.aead.Overhead() {
		return nil, ErrCiphertextCorrupted
	}
	plaintext, err := c.aead.Open(nil, sealed[:nonceLen], sealed[nonceLen:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateKey creates a cryptographically secure random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
