// Package cryptokit provides the crypto primitives behind the confidential
// credential store: password hashing, authenticated field encryption, and the
// deterministic blind index used for equality lookup on encrypted emails.
package cryptokit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKeyLength indicates the supplied key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("cryptokit.invalid_key_length")
	// ErrDecryptFailed indicates key mismatch or ciphertext tampering.
	// This is a configuration-level failure, never a normal cache/store miss.
	ErrDecryptFailed = errors.New("cryptokit.decrypt_failed")
)

// FieldCipher encrypts single field values with AES-256-GCM. The stored
// format is [nonce][ciphertext]; decryption fails closed and never returns
// partial plaintext.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher constructs a cipher from a 32-byte key.
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptokit.field_cipher: %w: got %d bytes", ErrInvalidKeyLength, len(key))
	}
	block, blockErr := aes.NewCipher(key)
	if blockErr != nil {
		return nil, fmt.Errorf("cryptokit.field_cipher: %w", blockErr)
	}
	aead, aeadErr := cipher.NewGCM(block)
	if aeadErr != nil {
		return nil, fmt.Errorf("cryptokit.field_cipher: %w", aeadErr)
	}
	return &FieldCipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (fieldCipher *FieldCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, fieldCipher.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptokit.encrypt.nonce: %w", err)
	}
	return fieldCipher.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a [nonce][ciphertext] value produced by Encrypt.
func (fieldCipher *FieldCipher) Decrypt(sealed []byte) ([]byte, error) {
	nonceSize := fieldCipher.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("cryptokit.decrypt: %w: ciphertext too short", ErrDecryptFailed)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, openErr := fieldCipher.aead.Open(nil, nonce, ciphertext, nil)
	if openErr != nil {
		return nil, fmt.Errorf("cryptokit.decrypt: %w", ErrDecryptFailed)
	}
	return plaintext, nil
}
