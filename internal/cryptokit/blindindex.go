package cryptokit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyBlindKey indicates the blind-index key was missing at construction.
var ErrEmptyBlindKey = errors.New("cryptokit.empty_blind_key")

// BlindIndexer computes a deterministic keyed hash of normalized values so the
// store can answer equality lookups without decrypting anything. The key must
// be independent of the field-encryption key; the index supports exact match
// only and is not invertible without the normalized plaintext.
type BlindIndexer struct {
	key []byte
}

// NewBlindIndexer constructs an indexer from a dedicated blind key.
func NewBlindIndexer(key []byte) (*BlindIndexer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("cryptokit.blind_indexer: %w", ErrEmptyBlindKey)
	}
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	return &BlindIndexer{key: keyCopy}, nil
}

// Index returns the hex HMAC-SHA256 of the normalized value.
func (indexer *BlindIndexer) Index(value string) string {
	mac := hmac.New(sha256.New, indexer.key)
	mac.Write([]byte(NormalizeEmail(value)))
	return hex.EncodeToString(mac.Sum(nil))
}

// NormalizeEmail lower-cases and trims an address so equality lookups are
// insensitive to casing and surrounding whitespace.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
