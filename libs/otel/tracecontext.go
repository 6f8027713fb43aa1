package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext is a W3C trace context captured for work that continues after
// the request ends, such as an outbox row published once its transaction
// commits.
type TraceContext struct {
	Traceparent string
	Tracestate  string
}

// CaptureTraceContext records the span active in ctx. It is empty when ctx
// carries no valid span.
func CaptureTraceContext(ctx context.Context) TraceContext {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return TraceContext{}
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{Traceparent: carrier.Get("traceparent"), Tracestate: carrier.Get("tracestate")}
}

func (tc TraceContext) Empty() bool {
	return tc.Traceparent == ""
}

// Resume returns parent carrying tc as its remote span, so spans started from
// it join the captured trace.
func (tc TraceContext) Resume(parent context.Context) context.Context {
	if tc.Empty() {
		return parent
	}
	carrier := propagation.MapCarrier{"traceparent": tc.Traceparent}
	if tc.Tracestate != "" {
		carrier["tracestate"] = tc.Tracestate
	}
	return otel.GetTextMapPropagator().Extract(parent, carrier)
}
