package evidence

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSigner_KeyForms(t *testing.T) {
	_, err := NewSigner(testSigningKey)
	require.NoError(t, err)

	_, err = NewSigner(strings.Repeat("ab", 32))
	require.NoError(t, err)

	_, err = NewSigner("too-short")
	assert.Error(t, err)
}

func TestSignTrace_DetectsTampering(t *testing.T) {
	s, err := NewSigner(testSigningKey)
	require.NoError(t, err)

	tr := &CognitiveTrace{
		ID:                  "trc_1",
		SessionID:           "sess",
		Level:               LevelPreprocessed,
		Kind:                KindUserMessage,
		Content:             "hola",
		Context:             map[string]any{"topic": "bucles", "attempt": 2},
		AssistanceIntensity: 0.4,
		CreatedAt:           time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SignTrace(tr))
	assert.True(t, strings.HasPrefix(tr.Signature, signaturePrefix))

	ok, err := s.VerifyTrace(tr)
	require.NoError(t, err)
	assert.True(t, ok)

	tr.Content = "adiós"
	ok, err = s.VerifyTrace(tr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSign_DifferentKeysDiffer(t *testing.T) {
	a, err := NewSigner(testSigningKey)
	require.NoError(t, err)
	b, err := NewSigner(strings.Repeat("z", 32))
	require.NoError(t, err)

	data := []byte("payload")
	assert.NotEqual(t, a.Sign(data), b.Sign(data))
	assert.False(t, b.Verify(data, a.Sign(data)))
}
