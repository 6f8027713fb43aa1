package otelx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

func TestTraceContext_CaptureAndResume(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	assert.True(t, CaptureTraceContext(context.Background()).Empty(), "no span, nothing to capture")

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))

	tc := CaptureTraceContext(ctx)
	require.False(t, tc.Empty())
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", tc.Traceparent)

	resumed := trace.SpanContextFromContext(tc.Resume(context.Background()))
	assert.Equal(t, traceID, resumed.TraceID())
	assert.True(t, resumed.IsRemote())

	parent := context.WithValue(context.Background(), ctxKey{}, "kept")
	assert.Equal(t, parent, TraceContext{}.Resume(parent))
}
