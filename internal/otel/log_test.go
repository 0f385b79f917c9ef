package otel

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/mentor/internal/requestctx"
)

func TestTraceContextFrom_NoSpan(t *testing.T) {
	traceID, spanID := TraceContextFrom(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}

func TestLogTraceFields_WithSpan(t *testing.T) {
	shutdown, err := Setup("mentor-test", "0.0.1", true)
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Func(LogTraceFields(ctx)).Msg("x")
	assert.Contains(t, buf.String(), `"trace_id"`)
	assert.Contains(t, buf.String(), `"span_id"`)
}

func TestLogTraceFields_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Func(LogTraceFields(context.Background())).Msg("x")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestLogTraceFields_ClientID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := requestctx.SetClientID(context.Background(), "lms-frontend")
	logger.Info().Func(LogTraceFields(ctx)).Msg("x")
	assert.Contains(t, buf.String(), `"client_id":"lms-frontend"`)
	assert.NotContains(t, buf.String(), "trace_id")
}
