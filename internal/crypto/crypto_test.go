package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("store-encryption-key")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"cookie", "sessionKey=sk-ant-sid01-abcdef"},
		{"oauth token json", `{"access_token":"at-1","refresh_token":"rt-1"}`},
		{"empty", ""},
		{"unicode", "séssion köokie"},
		{"large", strings.Repeat("x", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if sealed == tt.plaintext && tt.plaintext != "" {
				t.Error("ciphertext equals plaintext")
			}

			opened, err := enc.Decrypt(sealed)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("round trip lost data: %q", opened)
			}
		})
	}
}

func TestEncryptUsesRandomNonce(t *testing.T) {
	enc, _ := NewEncryptor("key")

	a, _ := enc.Encrypt("sessionKey=abc")
	b, _ := enc.Encrypt("sessionKey=abc")
	if a == b {
		t.Error("same plaintext must not produce the same ciphertext")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, _ := NewEncryptor("key")

	for _, ciphertext := range []string{
		"not-base64!!!",
		"YWJj", // valid base64, shorter than a nonce
		"dGFtcGVyZWQgZGF0YSB0aGF0IGlzIGxvbmcgZW5vdWdo",
	} {
		if _, err := enc.Decrypt(ciphertext); err == nil {
			t.Errorf("Decrypt(%q) should fail", ciphertext)
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	enc1, _ := NewEncryptor("key-one")
	enc2, _ := NewEncryptor("key-two")

	sealed, _ := enc1.Encrypt("sessionKey=abc")
	if _, err := enc2.Decrypt(sealed); err == nil {
		t.Error("decrypt with a different key should fail")
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a := deriveKey("passphrase")
	b := deriveKey("passphrase")
	if len(a) != 32 {
		t.Errorf("derived key length = %d, want 32", len(a))
	}
	if string(a) != string(b) {
		t.Error("deriveKey not deterministic")
	}
}
