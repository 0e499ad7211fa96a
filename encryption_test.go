package syncengine

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustEncryptor(t *testing.T, password, saltHex string) *Encryptor {
	t.Helper()
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		t.Fatalf("bad salt: %v", err)
	}
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: password, Salt: salt})
	if err != nil {
		t.Fatalf("encryptor failed: %v", err)
	}
	return enc
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}

	plaintext := []byte(`{"balance": 250.0}`)
	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("balance")) {
		t.Error("ciphertext leaks plaintext")
	}

	opened, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: %s", opened)
	}
}

func TestEncryptorDisabled(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: false})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if enc != nil {
		t.Error("disabled config should return nil encryptor")
	}
}

func TestEncryptorSameSaltSameKey(t *testing.T) {
	first, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	second := mustEncryptor(t, "pw", hex.EncodeToString(first.Salt()))

	sealed, err := first.Encrypt([]byte("cross-instance"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	opened, err := second.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt with re-derived key failed: %v", err)
	}
	if string(opened) != "cross-instance" {
		t.Errorf("mismatch: %s", opened)
	}
}

func TestEncryptorWrongKey(t *testing.T) {
	first, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	wrong := mustEncryptor(t, "other", hex.EncodeToString(first.Salt()))

	sealed, err := first.Encrypt([]byte("data"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := wrong.Decrypt(sealed); err == nil {
		t.Error("wrong key should fail authentication")
	}
}
