// Package secrets seals credential material at rest with AES-256-GCM.
//
// Sealed values carry a versioned envelope, "enc:v1:" followed by base64(nonce||ciphertext).
// Values without the "enc:" tag predate encryption and are returned as-is by Open.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	envelopeTag = "enc:"
	versionV1   = "v1"
)

var (
	// ErrDecrypt is returned for any tagged value that fails to open.
	ErrDecrypt = errors.New("decrypt failed")
	// ErrNoKey is returned when the cipher was built without a key.
	ErrNoKey = errors.New("encryption key not configured")
)

// Cipher opens and seals credential values.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 32-byte key from key. Hex or base64 encodings of 32 bytes are used
// directly; anything else is hashed with SHA-256.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, ErrNoKey
	}
	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func deriveKey(key string) []byte {
	if b, err := hex.DecodeString(key); err == nil && len(b) == 32 {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == 32 {
		return b
	}
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// IsSealed reports whether value carries the envelope tag.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, envelopeTag)
}

// Seal encrypts plaintext into a v1 envelope.
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopeTag + versionV1 + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Untagged values are legacy plaintext and pass through.
// Errors never include the value itself.
func (c *Cipher) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	version, payload, ok := strings.Cut(strings.TrimPrefix(value, envelopeTag), ":")
	if !ok || version != versionV1 {
		return "", fmt.Errorf("%w: unsupported envelope", ErrDecrypt)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: malformed payload", ErrDecrypt)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: payload too short", ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	return string(plain), nil
}
