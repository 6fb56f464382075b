// Package secrets encrypts provider credentials at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSeed  = "plaid-token-salt"
	keyLen    = 32
	ivLen     = 16
	tagLen    = 16
	scryptN   = 16384
	scryptR   = 8
	scryptP   = 1
	minSecret = 16
)

var ErrMalformedToken = errors.New("secrets: malformed ciphertext")

// Codec encrypts with AES-256-GCM under a scrypt-derived key. Tokens are
// base64(iv || tag || ciphertext).
type Codec struct {
	aead cipher.AEAD
}

func NewCodec(secret string) (*Codec, error) {
	if len(secret) < minSecret {
		return nil, fmt.Errorf("secrets: encryption secret must be at least %d characters", minSecret)
	}
	salt, err := scrypt.Key([]byte(secret), []byte(saltSeed), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("secrets: derive salt: %w", err)
	}
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secrets: iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the tag; the stored layout puts it before the ciphertext.
	body, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, ivLen+tagLen+len(body))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, body...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *Codec) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrMalformedToken
	}
	if len(raw) < ivLen+tagLen {
		return "", ErrMalformedToken
	}
	iv := raw[:ivLen]
	tag := raw[ivLen : ivLen+tagLen]
	body := raw[ivLen+tagLen:]

	sealed := make([]byte, 0, len(body)+tagLen)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)
	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plain), nil
}
