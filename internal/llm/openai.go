package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

var tracer = mentorotel.Tracer("github.com/dativo-io/mentor/internal/llm")

// OpenAIProvider implements the Provider interface for OpenAI and any
// OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI provider with the given API key.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

// NewOpenAIProviderWithBaseURL points the provider at a compatible server.
// baseURL is scheme+host; /v1 is appended.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return &OpenAIProvider{client: openai.NewClientWithConfig(config)}
}

func newOpenAIProviderWithClient(client *openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Generate sends one chat completion request to OpenAI.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate", trace.WithAttributes(
		mentorotel.LLMRequestAttributes("openai", req.Model, req.Temperature, req.MaxTokens)...))
	defer span.End()

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openai api call: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		span.RecordError(ErrEmptyResponse)
		return nil, fmt.Errorf("openai api call: %w", ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	span.SetAttributes(mentorotel.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	span.SetAttributes(mentorotel.GenAIResponseFinishReason.String(string(choice.FinishReason)))

	return &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}

// EstimateCost estimates the cost in EUR for the given model and token counts.
func (p *OpenAIProvider) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	// EUR per 1K tokens, approximate.
	prices := map[string]tokenPrice{
		"gpt-4o":       {input: 0.0025, output: 0.01},
		"gpt-4o-mini":  {input: 0.00015, output: 0.0006},
		"gpt-4.1":      {input: 0.002, output: 0.008},
		"gpt-4.1-mini": {input: 0.0004, output: 0.0016},
	}
	pr, ok := prices[model]
	if !ok {
		pr = prices["gpt-4o"]
	}
	return pr.cost(inputTokens, outputTokens)
}

type tokenPrice struct {
	input  float64
	output float64
}

func (t tokenPrice) cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*t.input + float64(outputTokens)/1000.0*t.output
}

// withDefaultTimeout applies TimeoutLLMCall only when the caller has not
// already set a deadline.
func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, TimeoutLLMCall)
}
