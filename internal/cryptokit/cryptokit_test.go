package cryptokit

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(fill byte) []byte {
	key := make([]byte, 32)
	for index := range key {
		key[index] = fill
	}
	return key
}

func TestFieldCipherRoundTrip(t *testing.T) {
	t.Parallel()

	fieldCipher, err := NewFieldCipher(testKey(0x41))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	for _, email := range []string{"a@x.com", "USER+tag@Example.org", "", "ünïcode@mail.test"} {
		sealed, encryptErr := fieldCipher.Encrypt([]byte(email))
		if encryptErr != nil {
			t.Fatalf("encrypt %q: %v", email, encryptErr)
		}
		opened, decryptErr := fieldCipher.Decrypt(sealed)
		if decryptErr != nil {
			t.Fatalf("decrypt %q: %v", email, decryptErr)
		}
		if !bytes.Equal(opened, []byte(email)) {
			t.Fatalf("round trip mismatch: got %q, want %q", opened, email)
		}
	}
}

func TestFieldCipherEncryptionIsNonDeterministic(t *testing.T) {
	t.Parallel()

	fieldCipher, err := NewFieldCipher(testKey(0x41))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	first, _ := fieldCipher.Encrypt([]byte("a@x.com"))
	second, _ := fieldCipher.Encrypt([]byte("a@x.com"))
	if bytes.Equal(first, second) {
		t.Fatalf("expected distinct ciphertexts for repeated plaintext")
	}
}

func TestFieldCipherFailsClosedOnTamper(t *testing.T) {
	t.Parallel()

	fieldCipher, err := NewFieldCipher(testKey(0x41))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, _ := fieldCipher.Encrypt([]byte("a@x.com"))
	sealed[len(sealed)-1] ^= 0xFF

	if _, decryptErr := fieldCipher.Decrypt(sealed); !errors.Is(decryptErr, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", decryptErr)
	}
}

func TestFieldCipherFailsClosedOnKeyMismatch(t *testing.T) {
	t.Parallel()

	encryptingCipher, _ := NewFieldCipher(testKey(0x41))
	decryptingCipher, _ := NewFieldCipher(testKey(0x42))

	sealed, _ := encryptingCipher.Encrypt([]byte("a@x.com"))
	if _, decryptErr := decryptingCipher.Decrypt(sealed); !errors.Is(decryptErr, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", decryptErr)
	}
}

func TestFieldCipherRejectsShortKey(t *testing.T) {
	t.Parallel()

	if _, err := NewFieldCipher([]byte("too-short")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestBlindIndexNormalizationInvariance(t *testing.T) {
	t.Parallel()

	indexer, err := NewBlindIndexer([]byte("blind-index-key"))
	if err != nil {
		t.Fatalf("new indexer: %v", err)
	}

	canonical := indexer.Index("a@x.com")
	for _, variant := range []string{"A@X.com", "  a@x.com  ", "a@X.COM\t"} {
		if got := indexer.Index(variant); got != canonical {
			t.Fatalf("index of %q = %s, want %s", variant, got, canonical)
		}
	}
	if indexer.Index("b@x.com") == canonical {
		t.Fatalf("distinct emails must not collide on the blind index")
	}
	if len(canonical) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(canonical))
	}
}

func TestBlindIndexKeyedness(t *testing.T) {
	t.Parallel()

	firstIndexer, _ := NewBlindIndexer([]byte("key-one"))
	secondIndexer, _ := NewBlindIndexer([]byte("key-two"))
	if firstIndexer.Index("a@x.com") == secondIndexer.Index("a@x.com") {
		t.Fatalf("blind index must depend on the key")
	}
}

func TestBlindIndexerRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	if _, err := NewBlindIndexer(nil); !errors.Is(err, ErrEmptyBlindKey) {
		t.Fatalf("expected ErrEmptyBlindKey, got %v", err)
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hashed, err := HashPassword("pw123456", 4)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if !VerifyPassword("pw123456", hashed) {
		t.Fatalf("expected password to verify")
	}
	if VerifyPassword("wrong-password", hashed) {
		t.Fatalf("expected wrong password to fail")
	}
	if VerifyPassword("pw123456", "") {
		t.Fatalf("empty stored hash must never verify")
	}
}

func TestKeyFromBase64(t *testing.T) {
	t.Parallel()

	encoded := base64.StdEncoding.EncodeToString(testKey(0x07))
	key, err := KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(key))
	}

	if _, err := KeyFromBase64("not-base64!!"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := KeyFromBase64(short); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
	}
}
