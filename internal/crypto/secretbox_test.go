package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testMasterKey(t *testing.T) string {
	t.Helper()
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(k)
}

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox(testMasterKey(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ct, err := box.Encrypt("bearer-token-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.Contains(ct, sep) {
		t.Fatalf("ciphertext missing nonce separator: %q", ct)
	}

	pt, err := box.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if pt != "bearer-token-123" {
		t.Fatalf("round trip mismatch: %q", pt)
	}

	// nonces aleatorios: dos cifrados del mismo plaintext difieren
	ct2, _ := box.Encrypt("bearer-token-123")
	if ct == ct2 {
		t.Fatal("two encryptions should not produce identical ciphertext")
	}
}

func TestSecretBoxTamper(t *testing.T) {
	box, err := NewSecretBox(testMasterKey(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ct, err := box.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	parts := strings.SplitN(ct, sep, 2)
	tampered := parts[0] + sep + parts[1][:len(parts[1])-4] + "AAAA"
	if _, err := box.Decrypt(tampered); !errors.Is(err, ErrCiphertextInvalid) {
		t.Fatalf("tampered ciphertext should fail, got %v", err)
	}
	if _, err := box.Decrypt("not-a-ciphertext"); !errors.Is(err, ErrCiphertextInvalid) {
		t.Fatalf("garbage should fail, got %v", err)
	}
}

func TestSecretBoxKeyValidation(t *testing.T) {
	if _, err := NewSecretBox("too-short"); err == nil {
		t.Fatal("invalid master key should be rejected")
	}
	short := base64.StdEncoding.EncodeToString([]byte("16-byte-key-here"))
	if _, err := NewSecretBox(short); err == nil {
		t.Fatal("16-byte key should be rejected")
	}
}
