// Package secretbox seals small secrets (TOTP secrets, private key
// material) for at-rest storage using AES-256-GCM. Envelopes are
// self-describing strings: a version tag followed by the base64-encoded
// nonce and ciphertext.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// Version1 prefixes every envelope produced by Seal.
	Version1 = "SECv1:"

	keySize   = 32
	nonceSize = 12

	hkdfSalt = "caseflow-secret-envelope"
	hkdfInfo = "encryption-key"
)

// ErrInvalidEnvelope is returned for every Open failure: bad version
// tag, bad base64, truncated payload, wrong key, tampered ciphertext.
// Callers must not learn which of those it was.
var ErrInvalidEnvelope = errors.New("invalid secret envelope")

// ErrInvalidKey is returned by Seal when the key is not 32 bytes.
var ErrInvalidKey = errors.New("encryption key must be 32 bytes")

// DeriveKey stretches the configured secret into a 32-byte AES key via
// HKDF-SHA256. The salt and info strings are fixed so the same secret
// always yields the same key across restarts.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is not configured")
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext under key and returns a versioned envelope.
// A fresh random nonce is generated per call, so sealing the same
// plaintext twice yields different envelopes.
func Seal(plaintext, key []byte) (string, error) {
	if len(key) != keySize {
		return "", ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return Version1 + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope produced by Seal. All failures collapse
// into ErrInvalidEnvelope.
func Open(envelope string, key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, ErrInvalidEnvelope
	}
	if !strings.HasPrefix(envelope, Version1) {
		return nil, ErrInvalidEnvelope
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, Version1))
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	if len(raw) < nonceSize {
		return nil, ErrInvalidEnvelope
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	return plaintext, nil
}
