package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType, one topic per event.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	AggregateBooking = "booking"
	AggregateBilling = "billing_record"

	BookingCreated     = "booking.created.v1"
	BookingRescheduled = "booking.rescheduled.v1"
	BookingCancelled   = "booking.cancelled.v1"
	BookingNoShow      = "booking.no_show.v1"
	BookingCompleted   = "booking.completed.v1"
	BookingConfirmed   = "booking.confirmed.v1"
	PaymentSucceeded   = "billing.payment.succeeded.v1"
)

// Topics lists every topic the publisher writes to.
func Topics() []string {
	return []string{
		BookingCreated,
		BookingRescheduled,
		BookingCancelled,
		BookingNoShow,
		BookingCompleted,
		BookingConfirmed,
		PaymentSucceeded,
	}
}
