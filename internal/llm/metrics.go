package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

var (
	usageOnce       sync.Once
	costHistogram   metric.Float64Histogram
	tokenCounter    metric.Int64Counter
	usageRegistered bool
)

func initUsageMetrics() {
	meter := mentorotel.Meter("github.com/dativo-io/mentor/internal/llm")
	var err error
	costHistogram, err = meter.Float64Histogram("mentor.generation.cost",
		metric.WithDescription("Estimated cost in EUR per generation call"),
		metric.WithUnit("eur"))
	if err != nil {
		return
	}
	tokenCounter, err = meter.Int64Counter("mentor.generation.tokens",
		metric.WithDescription("Tokens consumed by generation calls"))
	if err != nil {
		return
	}
	usageRegistered = true
}

// RecordUsage records cost and token metrics for one successful call.
func RecordUsage(ctx context.Context, provider Provider, hint ModelHint, resp *Response) {
	if provider == nil || resp == nil {
		return
	}
	usageOnce.Do(initUsageMetrics)
	if !usageRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider.Name()),
		attribute.String("model", resp.Model),
		attribute.String("model_hint", string(hint)),
	)
	costHistogram.Record(ctx, provider.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens), attrs)
	tokenCounter.Add(ctx, int64(resp.InputTokens+resp.OutputTokens), attrs)
}
