// Package llm abstracts the text-generation providers behind a single
// interface and routes a model hint to a concrete provider and model.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutLLMCall bounds a single provider call when the caller sets no
// tighter deadline.
const TimeoutLLMCall = 60 * time.Second

// Domain errors for the LLM package.
var (
	ErrProviderNotAvailable = errors.New("provider not available")
	ErrNoRoutingConfig      = errors.New("no routing config for model hint")
	ErrNoPrimaryModel       = errors.New("model hint has no primary model configured")
	ErrUnknownModel         = errors.New("unknown model")
	ErrEmptyResponse        = errors.New("provider returned no content")
)

// Provider is the interface all LLM providers implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
	// Generate sends a completion request and returns the response. A
	// returned error always means no usable output was produced.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost estimates the cost in EUR for the given model and token counts.
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Request represents an LLM generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response represents an LLM generation response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}
