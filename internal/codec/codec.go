// Package codec encrypts command and result payloads before they reach the
// shared store. This is at-rest protection only: the server derives the key
// from the configured relay secret and both encrypts and decrypts, so the
// serving process always sees plaintext. Devices hold the same secret out of
// band and decrypt locally.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

const (
	ivSize  = 12
	tagSize = 16
)

type Codec struct {
	aead cipher.AEAD
}

// New derives a 256-bit key by hashing the secret, so any-length secrets
// are usable.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("codec: empty secret")
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Codec{aead: aead}, nil
}

// Encrypt seals the payload with a fresh random IV and returns the
// ciphertext, IV and 128-bit authentication tag as separate values, matching
// how they are stored.
func (c *Codec) Encrypt(plaintext []byte) (ciphertext, iv, authTag []byte, err error) {
	iv = make([]byte, ivSize)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, err
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-tagSize]
	authTag = sealed[len(sealed)-tagSize:]
	return ciphertext, iv, authTag, nil
}

// Decrypt reverses Encrypt. It reports ok=false instead of an error on tag
// mismatch or malformed input: forged or corrupted ciphertext is routine
// untrusted input on the request path, not an exceptional condition.
func (c *Codec) Decrypt(ciphertext, iv, authTag []byte) (plaintext []byte, ok bool) {
	if len(iv) != ivSize || len(authTag) != tagSize {
		return nil, false
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	out, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, false
	}
	return out, true
}
