package cryptokit

import (
	"encoding/base64"
	"fmt"
)

// KeyFromBase64 decodes a base64 key and enforces the 32-byte length the
// field cipher requires. Keys arrive from configuration at process start;
// nothing in this package generates or rotates them.
func KeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("cryptokit.key_from_base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptokit.key_from_base64: %w: got %d bytes", ErrInvalidKeyLength, len(key))
	}
	return key, nil
}
