// Package testutil provides shared test helpers, mocks, and fixtures for
// mentor tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/dativo-io/mentor/internal/llm"
)

// MockProvider implements llm.Provider for tests without live API calls.
// When Content is empty, Generate returns "mock response from " + ProviderName.
// Set Err to simulate provider errors.
type MockProvider struct {
	ProviderName string
	Content      string
	Err          error

	mu       sync.Mutex
	calls    int
	requests []*llm.Request
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return m.ProviderName }

// Generate returns the canned response or the configured error.
func (m *MockProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.calls++
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	m.requests = append(m.requests, &cp)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	content := m.Content
	if content == "" {
		content = "mock response from " + m.ProviderName
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
	}, nil
}

// EstimateCost returns a fixed cost for tests.
func (m *MockProvider) EstimateCost(_ string, _, _ int) float64 { return 0.001 }

// Calls returns how many times Generate was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent request, or nil.
func (m *MockProvider) LastRequest() *llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// ScriptedProvider returns Responses in order, repeating the last one.
type ScriptedProvider struct {
	ProviderName string
	Responses    []string

	mu    sync.Mutex
	calls int
}

// Name returns the provider identifier.
func (p *ScriptedProvider) Name() string { return p.ProviderName }

// Generate returns the next scripted response.
func (p *ScriptedProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	content := "¿Qué has probado hasta ahora?"
	if len(p.Responses) > 0 {
		if idx >= len(p.Responses) {
			idx = len(p.Responses) - 1
		}
		content = p.Responses[idx]
	}
	return &llm.Response{Content: content, FinishReason: "stop", InputTokens: 10, OutputTokens: 20, Model: req.Model}, nil
}

// EstimateCost returns a fixed cost for tests.
func (p *ScriptedProvider) EstimateCost(_ string, _, _ int) float64 { return 0.001 }

// SlowProvider blocks for Delay or until the context ends.
type SlowProvider struct {
	ProviderName string
	Delay        time.Duration
	Content      string
}

// Name returns the provider identifier.
func (p *SlowProvider) Name() string { return p.ProviderName }

// Generate waits Delay before answering; a cancelled context wins.
func (p *SlowProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.Delay):
	}
	return &llm.Response{Content: p.Content, FinishReason: "stop", Model: req.Model}, nil
}

// EstimateCost returns 0.
func (p *SlowProvider) EstimateCost(_ string, _, _ int) float64 { return 0 }

// StaticRouter routes every hint to one provider and model.
type StaticRouter struct {
	Provider llm.Provider
	Model    string
	Err      error
}

// Route implements generation.ModelRouter.
func (r *StaticRouter) Route(_ context.Context, _ llm.ModelHint) (llm.Provider, string, error) {
	if r.Err != nil {
		return nil, "", r.Err
	}
	model := r.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return r.Provider, model, nil
}
