package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt: %v", err)
	}
	if len(salt1) != saltSize {
		t.Errorf("salt length = %d, want %d", len(salt1), saltSize)
	}

	salt2, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt 2: %v", err)
	}
	if bytes.Equal(salt1, salt2) {
		t.Error("two salts should not be equal")
	}
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("1234567890abcdef")

	if !bytes.Equal(DeriveKey("pass", salt), DeriveKey("pass", salt)) {
		t.Error("same passphrase+salt should produce same key")
	}
	if bytes.Equal(DeriveKey("pass1", salt), DeriveKey("pass2", salt)) {
		t.Error("different passphrases should produce different keys")
	}
	if got := len(DeriveKey("pass", salt)); got != keySize {
		t.Errorf("key length = %d, want %d", got, keySize)
	}
}

func writeSource(t *testing.T, content []byte) (src, enc, dec string) {
	t.Helper()
	dir := t.TempDir()
	src = filepath.Join(dir, "db.sqlite")
	enc = filepath.Join(dir, "db.sqlite.enc")
	dec = filepath.Join(dir, "restored.sqlite")
	if err := os.WriteFile(src, content, 0600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return src, enc, dec
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	original := []byte("SQLite format 3\x00 and some pages")
	src, enc, dec := writeSource(t, original)

	if err := EncryptFile(src, enc, "test-passphrase-123"); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	encrypted, _ := os.ReadFile(enc)
	if bytes.Contains(encrypted, original) {
		t.Error("encrypted file contains plaintext")
	}

	if err := DecryptFile(enc, dec, "test-passphrase-123"); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	decrypted, _ := os.ReadFile(dec)
	if !bytes.Equal(original, decrypted) {
		t.Error("decrypted content should match original")
	}
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	src, enc, _ := writeSource(t, []byte("data"))
	enc2 := enc + "2"

	if err := EncryptFile(src, enc, "password"); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := EncryptFile(src, enc2, "password"); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	a, _ := os.ReadFile(enc)
	b, _ := os.ReadFile(enc2)
	if bytes.Equal(a[:saltSize], b[:saltSize]) {
		t.Error("expected different salts for separate encryptions")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	src, enc, dec := writeSource(t, []byte("secret data"))

	if err := EncryptFile(src, enc, "correct-password"); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := DecryptFile(enc, dec, "wrong-password"); err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	src, enc, dec := writeSource(t, []byte("secret data"))

	if err := EncryptFile(src, enc, "password"); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	data, _ := os.ReadFile(enc)
	data[saltSize+nonceSize+1] ^= 0xFF
	os.WriteFile(enc, data, 0600)

	if err := DecryptFile(enc, dec, "password"); err == nil {
		t.Fatal("expected error with tampered ciphertext")
	}
}

func TestDecryptFileTooSmall(t *testing.T) {
	dir := t.TempDir()
	enc := filepath.Join(dir, "small.enc")
	os.WriteFile(enc, []byte("too short"), 0600)

	if err := DecryptFile(enc, filepath.Join(dir, "out"), "password"); err == nil {
		t.Fatal("expected error with file too small")
	}
}
