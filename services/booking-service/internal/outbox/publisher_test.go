package outbox

import (
	"context"
	"testing"

	"github.com/inkslot/inkslot/libs/kafkax"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestMessage(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	rec := Record{
		ID:          7,
		EventID:     "6f1d1c1e-0000-4000-8000-000000000001",
		AggregateID: "booking-1",
		EventType:   BookingCancelled,
		Payload:     []byte(`{"booking_id":"booking-1"}`),
		Traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}
	msg := Message(context.Background(), rec)

	assert.Equal(t, BookingCancelled, msg.Topic)
	assert.Equal(t, "booking-1", string(msg.Key))
	assert.Equal(t, rec.EventID, kafkax.HeaderValue(msg.Headers, kafkax.HeaderEventID))
	assert.Equal(t, BookingCancelled, kafkax.HeaderValue(msg.Headers, kafkax.HeaderEventType))
	assert.Equal(t, rec.Traceparent, kafkax.HeaderValue(msg.Headers, "traceparent"))
}

func TestMessage_WithoutTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	msg := Message(context.Background(), Record{EventID: "e", AggregateID: "a", EventType: BookingCreated})
	assert.Empty(t, kafkax.HeaderValue(msg.Headers, "traceparent"))
	assert.Len(t, msg.Headers, 2)
}

func TestTopicsCoverEveryEventType(t *testing.T) {
	topics := Topics()
	assert.Len(t, topics, 7)
	assert.Contains(t, topics, PaymentSucceeded)
	assert.Contains(t, topics, BookingNoShow)
}
