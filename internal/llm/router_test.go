package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name string
}

func (m *stubProvider) Name() string { return m.name }
func (m *stubProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Content: "stub", FinishReason: "stop", Model: req.Model}, nil
}
func (m *stubProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return 0.001
}

func TestRouterRoute(t *testing.T) {
	routing := &RoutingConfig{
		Light: &TierConfig{Primary: "gpt-4o-mini", Fallback: "llama3.1"},
		Deep:  &TierConfig{Primary: "claude-sonnet-4-20250514", Fallback: "gpt-4o"},
	}

	tests := []struct {
		name      string
		providers []string
		hint      ModelHint
		wantProv  string
		wantModel string
		wantErr   error
	}{
		{"light primary", []string{"openai", "anthropic"}, HintLight, "openai", "gpt-4o-mini", nil},
		{"deep primary", []string{"openai", "anthropic"}, HintDeep, "anthropic", "claude-sonnet-4-20250514", nil},
		{"deep falls back", []string{"openai"}, HintDeep, "openai", "gpt-4o", nil},
		{"light falls back to local", []string{"ollama"}, HintLight, "ollama", "llama3.1", nil},
		{"nothing configured", nil, HintLight, "", "", ErrProviderNotAvailable},
		{"unknown hint", []string{"openai"}, ModelHint("huge"), "", "", ErrNoRoutingConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			providers := map[string]Provider{}
			for _, n := range tt.providers {
				providers[n] = &stubProvider{name: n}
			}
			p, model, err := NewRouter(routing, providers).Route(context.Background(), tt.hint)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProv, p.Name())
			assert.Equal(t, tt.wantModel, model)
		})
	}
}

func TestRouterConfigErrors(t *testing.T) {
	ctx := context.Background()
	providers := map[string]Provider{"openai": &stubProvider{name: "openai"}}

	_, _, err := NewRouter(nil, providers).Route(ctx, HintLight)
	assert.ErrorIs(t, err, ErrNoRoutingConfig)

	var nilRouter *Router
	_, _, err = nilRouter.Route(ctx, HintLight)
	assert.ErrorIs(t, err, ErrNoRoutingConfig)

	_, _, err = NewRouter(&RoutingConfig{Light: &TierConfig{}}, providers).Route(ctx, HintLight)
	assert.ErrorIs(t, err, ErrNoPrimaryModel)

	_, _, err = NewRouter(&RoutingConfig{Light: &TierConfig{Primary: "mystery-7b"}}, providers).Route(ctx, HintLight)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestInferProvider(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":                   "openai",
		"o3-mini":                  "openai",
		"claude-sonnet-4-20250514": "anthropic",
		"llama3.1":                 "ollama",
		"qwen2.5-coder":            "ollama",
		"mistral":                  "ollama",
	}
	for model, want := range cases {
		got, err := InferProvider(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}
	_, err := InferProvider("anthropic.claude-v2")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestBuildProviders(t *testing.T) {
	assert.Empty(t, BuildProviders(ProviderSettings{}))

	all := BuildProviders(ProviderSettings{
		OpenAIAPIKey:    "sk-test",
		AnthropicAPIKey: "ak-test",
		OllamaBaseURL:   "http://localhost:11434",
	})
	assert.Len(t, all, 3)
	for name, p := range all {
		assert.Equal(t, name, p.Name())
	}

	compat := BuildProviders(ProviderSettings{OpenAIBaseURL: "http://localhost:8080"})
	assert.Contains(t, compat, "openai")

	r := NewRouter(nil, all)
	assert.ElementsMatch(t, []string{"openai", "anthropic", "ollama"}, r.Providers())
}

func TestRecordUsage_NoPanic(t *testing.T) {
	ctx := context.Background()
	RecordUsage(ctx, nil, HintLight, nil)
	RecordUsage(ctx, &stubProvider{name: "openai"}, HintDeep, &Response{Model: "gpt-4o", InputTokens: 10, OutputTokens: 5})
}
