package llm

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

// ModelHint tells the router how much reasoning capacity a request needs.
type ModelHint string

const (
	HintLight ModelHint = "light"
	HintDeep  ModelHint = "deep"
)

// TierConfig names the primary model for a hint and an optional fallback
// used when the primary's provider is not configured.
type TierConfig struct {
	Primary  string `yaml:"primary" json:"primary"`
	Fallback string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// RoutingConfig maps each model hint to its models.
type RoutingConfig struct {
	Light *TierConfig `yaml:"light" json:"light"`
	Deep  *TierConfig `yaml:"deep" json:"deep"`
}

// Router selects a provider and model for a model hint.
type Router struct {
	providers map[string]Provider
	routing   *RoutingConfig
}

// NewRouter creates a router over the given providers, keyed by Provider.Name.
func NewRouter(routing *RoutingConfig, providers map[string]Provider) *Router {
	return &Router{providers: providers, routing: routing}
}

// Route resolves hint to a provider and model. When the primary model's
// provider is not configured the fallback model is tried.
func (r *Router) Route(ctx context.Context, hint ModelHint) (Provider, string, error) {
	_, span := tracer.Start(ctx, "llm.route",
		trace.WithAttributes(mentorotel.MentorModelHint.String(string(hint))))
	defer span.End()

	tierConfig, err := r.tierConfig(hint)
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}
	if strings.TrimSpace(tierConfig.Primary) == "" {
		err := fmt.Errorf("hint %s: %w", hint, ErrNoPrimaryModel)
		span.RecordError(err)
		return nil, "", err
	}

	model := tierConfig.Primary
	providerName, err := InferProvider(model)
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}

	provider, ok := r.providers[providerName]
	if !ok && tierConfig.Fallback != "" {
		fallbackProvider, fbErr := InferProvider(tierConfig.Fallback)
		if fbErr != nil {
			span.RecordError(fbErr)
			return nil, "", fbErr
		}
		if provider, ok = r.providers[fallbackProvider]; ok {
			model = tierConfig.Fallback
			providerName = fallbackProvider
		}
	}
	if !ok {
		err := fmt.Errorf("provider %s: %w", providerName, ErrProviderNotAvailable)
		span.RecordError(err)
		return nil, "", err
	}

	span.SetAttributes(
		mentorotel.GenAIRequestModel.String(model),
		attribute.String("llm.provider", providerName),
	)
	return provider, model, nil
}

// Providers returns the names of the configured providers.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

func (r *Router) tierConfig(hint ModelHint) (*TierConfig, error) {
	if r == nil || r.routing == nil {
		return nil, fmt.Errorf("hint %s: %w", hint, ErrNoRoutingConfig)
	}
	var tc *TierConfig
	switch hint {
	case HintLight:
		tc = r.routing.Light
	case HintDeep:
		tc = r.routing.Deep
	}
	if tc == nil {
		return nil, fmt.Errorf("hint %s: %w", hint, ErrNoRoutingConfig)
	}
	return tc, nil
}

// InferProvider determines the provider name from the model identifier.
// Unrecognized prefixes are an error rather than a guess.
func InferProvider(model string) (string, error) {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "openai", nil
	case strings.HasPrefix(model, "claude-"):
		return "anthropic", nil
	case strings.HasPrefix(model, "llama"),
		strings.HasPrefix(model, "mistral"),
		strings.HasPrefix(model, "gemma"),
		strings.HasPrefix(model, "qwen"),
		strings.HasPrefix(model, "phi"):
		return "ollama", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
}
