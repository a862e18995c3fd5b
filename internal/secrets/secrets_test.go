package secrets

import (
	"crypto/rand"
	"testing"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// TestEncryptDecryptRoundTrip implements spec.md invariant 9:
// decrypt(encrypt(v, k), k) = v for all v and valid k.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := New(randomKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	values := []string{"", "sk-ant-abc123", "a longer secret value with spaces and !@#$ symbols"}
	for _, v := range values {
		ciphertext, err := svc.Encrypt(v)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", v, err)
		}
		plaintext, err := svc.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt round trip for %q: %v", v, err)
		}
		if plaintext != v {
			t.Fatalf("round trip mismatch: got %q, want %q", plaintext, v)
		}
	}
}

// TestDecryptWithWrongKeyFails implements the second half of invariant 9.
func TestDecryptWithWrongKeyFails(t *testing.T) {
	svcA, _ := New(randomKey(t))
	svcB, _ := New(randomKey(t))

	ciphertext, err := svcA.Encrypt("top secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := svcB.Decrypt(ciphertext); err == nil {
		t.Fatal("expected decryption with the wrong key to fail")
	}
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	if _, err := New([]byte("too short")); err == nil {
		t.Fatal("expected validation error for short key")
	}
}

func TestDecryptMalformedInputReturnsNotFound(t *testing.T) {
	svc, _ := New(randomKey(t))
	if _, err := svc.Decrypt("not valid base64!!"); err == nil {
		t.Fatal("expected error for malformed ciphertext")
	}
}
