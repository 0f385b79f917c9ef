package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/mentor/internal/requestctx"
)

// TraceContextFrom returns the trace and span IDs of the span in ctx, or
// empty strings when there is none.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// LogTraceFields returns a zerolog hook adding request correlation fields:
// trace_id and span_id from the active span, and client_id when the call
// came through an authenticated API client.
//
//	log.Info().Str("session_id", id).Func(otel.LogTraceFields(ctx)).Msg("interaction_completed")
func LogTraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		if traceID, spanID := TraceContextFrom(ctx); traceID != "" {
			e.Str("trace_id", traceID).Str("span_id", spanID)
		}
		if client := requestctx.ClientID(ctx); client != "" {
			e.Str("client_id", client)
		}
	}
}
