package orchestrator

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dativo-io/mentor/internal/generation"
	mentorotel "github.com/dativo-io/mentor/internal/otel"
	"github.com/dativo-io/mentor/internal/policy"
	"github.com/dativo-io/mentor/internal/strategy"
)

var (
	metricsOnce         sync.Once
	interactionsCounter metric.Int64Counter
	semaphoreCounter    metric.Int64Counter
	metricsEnabled      bool
)

func initMetrics() {
	meter := mentorotel.Meter("github.com/dativo-io/mentor/internal/orchestrator")
	var err error
	interactionsCounter, err = meter.Int64Counter("mentor.interactions.total",
		metric.WithDescription("Interactions processed"))
	if err != nil {
		return
	}
	semaphoreCounter, err = meter.Int64Counter("mentor.semaphore.total",
		metric.WithDescription("Governance verdicts by semaphore state"))
	if err != nil {
		return
	}
	metricsEnabled = true
}

func recordInteractionMetrics(ctx context.Context, mode strategy.Mode, v policy.Verdict, out generation.Output) {
	metricsOnce.Do(initMetrics)
	if !metricsEnabled {
		return
	}
	interactionsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("strategy", out.Strategy.String()),
		attribute.Bool("fallback", out.Fallback),
	))
	semaphoreCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", v.Semaphore.String()),
		attribute.Bool("fail_closed", v.FailClosed),
	))
}
