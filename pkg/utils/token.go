package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// NewRandomToken returns a URL-safe base64 encoding of n bytes read
// from the CSPRNG. The raw token is handed to the client exactly once;
// only its HashToken digest is ever persisted.
func NewRandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 digest of a raw token, used as the
// durable lookup key for sessions and one-time tokens. Deterministic
// hashing is sufficient here: the inputs are high-entropy random
// strings, not user-chosen secrets.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
