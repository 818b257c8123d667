// Package security holds service-token handling and at-rest encryption of message text.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

const sealedPrefix = "v1:"

// ErrUndecryptable is returned when no configured key opens a payload.
var ErrUndecryptable = errors.New("failed to decrypt message text")

// TextCipher seals message detail text with AES-GCM. Payloads written by
// older deployments with Fernet keys can still be opened.
type TextCipher struct {
	aead       cipher.AEAD
	fernetKeys []*fernet.Key
}

// NewTextCipher derives a 32-byte AES key from secret with SHA-256, so any
// secret length works. legacyKeys are Fernet keys accepted for Open only.
func NewTextCipher(secret []byte, legacyKeys []string) (*TextCipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	sum := sha256.Sum256(secret)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	c := &TextCipher{aead: aead}
	for _, raw := range append([]string{string(secret)}, legacyKeys...) {
		if k, err := fernet.DecodeKey(strings.TrimSpace(raw)); err == nil {
			c.fernetKeys = append(c.fernetKeys, k)
		}
	}
	return c, nil
}

// Seal encrypts plain. The chat id and dedup key are bound as associated
// data so a ciphertext cannot be moved to another detail row.
func (c *TextCipher) Seal(plain string, aad string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plain), []byte(aad))
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal, falling back to the legacy Fernet keys.
func (c *TextCipher) Open(sealed string, aad string) (string, error) {
	if rest, ok := strings.CutPrefix(sealed, sealedPrefix); ok {
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil || len(raw) < c.aead.NonceSize() {
			return "", ErrUndecryptable
		}
		n := c.aead.NonceSize()
		plain, err := c.aead.Open(nil, raw[:n], raw[n:], []byte(aad))
		if err != nil {
			return "", ErrUndecryptable
		}
		return string(plain), nil
	}
	if len(c.fernetKeys) > 0 {
		if plain := fernet.VerifyAndDecrypt([]byte(sealed), 0*time.Second, c.fernetKeys); plain != nil {
			return string(plain), nil
		}
	}
	return "", ErrUndecryptable
}
