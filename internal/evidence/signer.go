package evidence

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dativo-io/mentor/internal/cryptoutil"
)

const signaturePrefix = "hmac-sha256:"

// Signer creates and verifies HMAC-SHA256 signatures over traces.
type Signer struct {
	key []byte
}

// NewSigner creates a signer. The key must be at least 32 raw bytes or 64+
// hex characters decoding to at least 32 bytes.
func NewSigner(key string) (*Signer, error) {
	keyBytes, err := cryptoutil.SigningKey(key)
	if err != nil {
		return nil, err
	}
	return &Signer{key: keyBytes}, nil
}

// Sign returns the HMAC-SHA256 signature of data.
func (s *Signer) Sign(data []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature in constant time.
func (s *Signer) Verify(data []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(signature))
}

// canonicalTrace is the JSON encoding of t with an empty signature. Map keys
// are sorted by encoding/json, so the encoding is stable across a
// store/load cycle.
func canonicalTrace(t *CognitiveTrace) ([]byte, error) {
	c := *t
	c.Signature = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("encoding trace %s: %w", t.ID, err)
	}
	return data, nil
}

// SignTrace sets t.Signature.
func (s *Signer) SignTrace(t *CognitiveTrace) error {
	data, err := canonicalTrace(t)
	if err != nil {
		return err
	}
	t.Signature = s.Sign(data)
	return nil
}

// VerifyTrace reports whether t's signature matches its content.
func (s *Signer) VerifyTrace(t *CognitiveTrace) (bool, error) {
	data, err := canonicalTrace(t)
	if err != nil {
		return false, err
	}
	return s.Verify(data, t.Signature), nil
}
