package secretbox

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T, secret string) []byte {
	t.Helper()
	key, err := DeriveKey(secret)
	if err != nil {
		t.Fatalf("failed deriving key: %v", err)
	}
	return key
}

func TestDeriveKey(t *testing.T) {
	t.Run("empty secret fails", func(t *testing.T) {
		if _, err := DeriveKey(""); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("same secret derives same key", func(t *testing.T) {
		a := testKey(t, "some-secret")
		b := testKey(t, "some-secret")
		if !bytes.Equal(a, b) {
			t.Fatal("expected deterministic key derivation")
		}
		if len(a) != 32 {
			t.Fatalf("expected 32-byte key, got %d", len(a))
		}
	})

	t.Run("different secrets derive different keys", func(t *testing.T) {
		if bytes.Equal(testKey(t, "secret-a"), testKey(t, "secret-b")) {
			t.Fatal("expected different keys for different secrets")
		}
	})
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t, "round-trip-secret")

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "empty", plaintext: []byte{}},
		{name: "short", plaintext: []byte("JBSWY3DPEHPK3PXP")},
		{name: "binary", plaintext: []byte{0x00, 0xff, 0x10, 0x00, 0x7f}},
		{name: "long", plaintext: bytes.Repeat([]byte("caseflow"), 512)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := Seal(tt.plaintext, key)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if !strings.HasPrefix(envelope, Version1) {
				t.Fatalf("expected %q prefix, got %q", Version1, envelope[:10])
			}

			plaintext, err := Open(envelope, key)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(plaintext, tt.plaintext) {
				t.Fatalf("round trip mismatch: got %q, want %q", plaintext, tt.plaintext)
			}
		})
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	key := testKey(t, "nonce-freshness")

	first, err := Seal([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	second, err := Seal([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if first == second {
		t.Fatal("expected distinct envelopes for the same plaintext")
	}
}

func TestSealRejectsBadKeyLength(t *testing.T) {
	if _, err := Seal([]byte("x"), []byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestOpenFailuresAreOpaque(t *testing.T) {
	key := testKey(t, "open-failures")
	wrongKey := testKey(t, "a-different-secret")

	envelope, err := Seal([]byte("attack at dawn"), key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	tests := []struct {
		name     string
		envelope string
		key      []byte
	}{
		{name: "wrong key", envelope: envelope, key: wrongKey},
		{name: "missing version tag", envelope: strings.TrimPrefix(envelope, Version1), key: key},
		{name: "unknown version tag", envelope: "SECv9:" + strings.TrimPrefix(envelope, Version1), key: key},
		{name: "bad base64", envelope: Version1 + "%%%not-base64%%%", key: key},
		{name: "truncated payload", envelope: Version1 + "AAAA", key: key},
		{name: "empty string", envelope: "", key: key},
		{name: "tampered ciphertext", envelope: envelope[:len(envelope)-2] + "==", key: key},
		{name: "short key", envelope: envelope, key: []byte("short")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.envelope, tt.key); !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}
}
