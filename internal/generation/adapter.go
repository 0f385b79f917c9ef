// Package generation turns a selected strategy into a delivered response:
// it renders the system instruction, picks a model, calls the provider once
// and measures the assistance intensity of what is delivered.
package generation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/mentor/internal/llm"
	mentorotel "github.com/dativo-io/mentor/internal/otel"
	"github.com/dativo-io/mentor/internal/policy"
	"github.com/dativo-io/mentor/internal/strategy"
)

var tracer = mentorotel.Tracer("github.com/dativo-io/mentor/internal/generation")

// DefaultTimeout bounds the provider call when no timeout is configured.
const DefaultTimeout = 20 * time.Second

// Fallback reasons recorded in Output.FallbackReason.
const (
	ReasonNoProvider    = "no_provider"
	ReasonCircuitOpen   = "circuit_open"
	ReasonTimeout       = "timeout"
	ReasonProviderError = "provider_error"
	ReasonInstruction   = "instruction_error"
)

const (
	lightMaxTokens = 400
	deepMaxTokens  = 900
	temperature    = 0.3
)

// ModelRouter resolves a model hint to a provider and model.
type ModelRouter interface {
	Route(ctx context.Context, hint llm.ModelHint) (llm.Provider, string, error)
}

// Output is the result of one generation. Generation never fails: when the
// provider is unavailable the strategy's fallback message is delivered.
type Output struct {
	Text           string
	Intensity      float64
	Strategy       strategy.Strategy
	ModelHint      llm.ModelHint
	Provider       string
	Model          string
	Fallback       bool
	FallbackReason string
	CodeRedacted   bool
	InputTokens    int
	OutputTokens   int
	Latency        time.Duration
}

// Adapter is safe for concurrent use.
type Adapter struct {
	router  ModelRouter
	catalog *strategy.Catalog
	timeout time.Duration
	breaker *CircuitBreaker
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the provider call timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithCatalog replaces the embedded strategy catalog.
func WithCatalog(c *strategy.Catalog) Option {
	return func(a *Adapter) {
		if c != nil {
			a.catalog = c
		}
	}
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(a *Adapter) {
		if cb != nil {
			a.breaker = cb
		}
	}
}

// NewAdapter creates an adapter. A nil router makes every generation fall
// back, which is how the pipeline runs without any provider configured.
func NewAdapter(router ModelRouter, opts ...Option) *Adapter {
	a := &Adapter{
		router:  router,
		catalog: strategy.DefaultCatalog(),
		timeout: DefaultTimeout,
		breaker: NewCircuitBreaker(5, time.Minute),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Catalog returns the strategy texts in use.
func (a *Adapter) Catalog() *strategy.Catalog {
	return a.catalog
}

// Generate produces the response for prompt under strategy s. prompt and
// contextMap must already be sanitized.
func (a *Adapter) Generate(ctx context.Context, s strategy.Strategy, prompt string, contextMap map[string]any, v policy.Verdict) Output {
	hint := ModelHintFor(prompt, contextMap)
	ctx, span := tracer.Start(ctx, "generation.generate", trace.WithAttributes(
		mentorotel.MentorStrategy.String(s.String()),
		mentorotel.MentorModelHint.String(string(hint)),
	))
	defer span.End()

	out := Output{Strategy: s, ModelHint: hint}
	start := time.Now()

	text, err := a.call(ctx, s, prompt, contextMap, v, &out)
	if err != nil {
		out = a.fallback(ctx, out, err)
	} else {
		out.Text = text
		if !s.Generative() {
			out.Text, out.CodeRedacted = RedactCode(out.Text)
		}
		out.Intensity = AssessIntensity(s, out.Text)
	}

	span.SetAttributes(
		mentorotel.MentorAssistance.Float64(out.Intensity),
		mentorotel.MentorGenerationFailed.Bool(out.Fallback),
		attribute.Bool("mentor.generation.code_redacted", out.CodeRedacted),
	)
	recordOutputMetrics(ctx, out)
	out.Latency = time.Since(start)
	return out
}

// generationError carries the fallback reason for a failed call.
type generationError struct {
	reason string
	err    error
}

func (e *generationError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *generationError) Unwrap() error { return e.err }

func (a *Adapter) call(ctx context.Context, s strategy.Strategy, prompt string, contextMap map[string]any, v policy.Verdict, out *Output) (string, error) {
	if a.router == nil {
		return "", &generationError{reason: ReasonNoProvider, err: llm.ErrProviderNotAvailable}
	}
	provider, model, err := a.router.Route(ctx, out.ModelHint)
	if err != nil {
		return "", &generationError{reason: ReasonNoProvider, err: err}
	}
	out.Provider = provider.Name()
	out.Model = model

	if err := a.breaker.Check(provider.Name()); err != nil {
		return "", &generationError{reason: ReasonCircuitOpen, err: err}
	}

	instruction, err := BuildInstruction(a.catalog, s, v, contextMap)
	if err != nil {
		return "", &generationError{reason: ReasonInstruction, err: err}
	}

	maxTokens := lightMaxTokens
	if out.ModelHint == llm.HintDeep {
		maxTokens = deepMaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := provider.Generate(callCtx, &llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: instruction},
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		a.breaker.RecordFailure(provider.Name())
		reason := ReasonProviderError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		return "", &generationError{reason: reason, err: err}
	}
	a.breaker.RecordSuccess(provider.Name())
	llm.RecordUsage(ctx, provider, out.ModelHint, resp)

	out.InputTokens = resp.InputTokens
	out.OutputTokens = resp.OutputTokens
	if resp.Model != "" {
		out.Model = resp.Model
	}
	return resp.Content, nil
}

func (a *Adapter) fallback(ctx context.Context, out Output, err error) Output {
	reason := ReasonProviderError
	var gerr *generationError
	if errors.As(err, &gerr) {
		reason = gerr.reason
	}
	log.Warn().
		Err(err).
		Func(mentorotel.LogTraceFields(ctx)).
		Str("strategy", out.Strategy.String()).
		Str("provider", out.Provider).
		Str("reason", reason).
		Msg("generation_fallback")

	out.Text = a.catalog.Fallback(out.Strategy)
	out.Intensity = IntensityFallback
	out.Fallback = true
	out.FallbackReason = reason
	out.InputTokens, out.OutputTokens = 0, 0
	return out
}
