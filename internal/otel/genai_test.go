package otel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLLMRequestAttributes(t *testing.T) {
	attrs := LLMRequestAttributes("openai", "gpt-4o-mini", 0.3, 800)
	assert.Len(t, attrs, 4)
	assert.Equal(t, "openai", attrs[0].Value.AsString())
	assert.Equal(t, "gpt-4o-mini", attrs[1].Value.AsString())
	assert.InDelta(t, 0.3, attrs[2].Value.AsFloat64(), 1e-9)
	assert.Equal(t, int64(800), attrs[3].Value.AsInt64())
}

func TestLLMUsageAttributes(t *testing.T) {
	attrs := LLMUsageAttributes(120, 45)
	assert.Equal(t, GenAIUsageInputTokens, attrs[0].Key)
	assert.Equal(t, int64(45), attrs[1].Value.AsInt64())
}
