package llm

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// ProviderSettings carries the credentials and endpoints used to build
// providers. Empty credentials leave the provider out.
type ProviderSettings struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaBaseURL   string
}

// BuildProviders constructs every provider whose settings are present,
// keyed by Provider.Name.
func BuildProviders(s ProviderSettings) map[string]Provider {
	providers := make(map[string]Provider)
	if s.OpenAIAPIKey != "" || s.OpenAIBaseURL != "" {
		if s.OpenAIBaseURL != "" {
			providers["openai"] = NewOpenAIProviderWithBaseURL(s.OpenAIAPIKey, s.OpenAIBaseURL)
		} else {
			providers["openai"] = NewOpenAIProvider(s.OpenAIAPIKey)
		}
	}
	if s.AnthropicAPIKey != "" {
		providers["anthropic"] = NewAnthropicProvider(s.AnthropicAPIKey)
	}
	if s.OllamaBaseURL != "" {
		providers["ollama"] = NewOllamaProvider(s.OllamaBaseURL)
	}

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	log.Debug().Strs("providers", names).Msg("llm_providers_configured")
	return providers
}
