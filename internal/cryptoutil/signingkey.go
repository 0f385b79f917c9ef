// Package cryptoutil decodes the trace signing key shared by configuration
// validation and the evidence signer.
package cryptoutil

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// MinKeyBytes is the minimum HMAC-SHA256 key length accepted for traces.
const MinKeyBytes = 32

// ErrWeakKey is returned for keys shorter than MinKeyBytes.
var ErrWeakKey = errors.New("signing key too short")

// SigningKey returns the key material for key. Keys of 64 or more hex
// characters are decoded; anything else is used as raw bytes. Either way at
// least MinKeyBytes must remain.
func SigningKey(key string) ([]byte, error) {
	if len(key) >= 2*MinKeyBytes && len(key)%2 == 0 && isHex(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("decoding hex signing key: %w", err)
		}
		return decoded, nil
	}
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("%w: need at least %d bytes or %d hex characters, got %d",
			ErrWeakKey, MinKeyBytes, 2*MinKeyBytes, len(key))
	}
	return []byte(key), nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
