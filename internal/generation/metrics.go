package generation

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

var (
	metricsOnce        sync.Once
	fallbackCounter    metric.Int64Counter
	intensityHistogram metric.Float64Histogram
	metricsRegistered  bool
)

func initMetrics() {
	meter := mentorotel.Meter("github.com/dativo-io/mentor/internal/generation")
	var err error
	fallbackCounter, err = meter.Int64Counter("mentor.generation.fallbacks",
		metric.WithDescription("Responses replaced by the strategy fallback message"))
	if err != nil {
		return
	}
	intensityHistogram, err = meter.Float64Histogram("mentor.assistance.intensity",
		metric.WithDescription("Assistance intensity of delivered responses"))
	if err != nil {
		return
	}
	metricsRegistered = true
}

func recordOutputMetrics(ctx context.Context, out Output) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", out.Strategy.String()),
		attribute.String("model_hint", string(out.ModelHint)),
	)
	if out.Fallback {
		fallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", out.FallbackReason)))
	}
	intensityHistogram.Record(ctx, out.Intensity, attrs)
}
