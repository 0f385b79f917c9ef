package risk

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dativo-io/mentor/internal/evidence"
	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

var (
	riskMetricsOnce    sync.Once
	risksCreated       metric.Int64Counter
	analysisFailures   metric.Int64Counter
	riskMetricsEnabled bool
)

func initRiskMetrics() {
	meter := mentorotel.Meter("github.com/dativo-io/mentor/internal/risk")
	var err error
	risksCreated, err = meter.Int64Counter("mentor.risks.created",
		metric.WithDescription("Risks created by background analysis"))
	if err != nil {
		return
	}
	analysisFailures, err = meter.Int64Counter("mentor.risk.analysis.failures",
		metric.WithDescription("Background risk analyses that failed"))
	if err != nil {
		return
	}
	riskMetricsEnabled = true
}

func recordRiskCreated(ctx context.Context, r *evidence.Risk) {
	riskMetricsOnce.Do(initRiskMetrics)
	if !riskMetricsEnabled {
		return
	}
	risksCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dimension", r.Dimension),
		attribute.String("type", r.Type),
		attribute.String("severity", r.Severity),
	))
}

func recordAnalysisFailure(ctx context.Context) {
	riskMetricsOnce.Do(initRiskMetrics)
	if !riskMetricsEnabled {
		return
	}
	analysisFailures.Add(ctx, 1)
}
