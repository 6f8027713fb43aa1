// Package storage defines the persistence contract for bookings, availability,
// deposit policies and the billing ledger, with a PostgreSQL implementation.
//
// Every mutation runs through Store.InTx. Implementations must guarantee that
// two active bookings for one provider never overlap (InsertBooking and
// UpdateBooking return model.ErrSlotBooked) and that a webhook event id is
// recorded at most once.
package storage

import (
	"context"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/outbox"
)

type Reader interface {
	// GetAvailabilityTemplate returns ok=false when the provider has none.
	GetAvailabilityTemplate(ctx context.Context, providerID string) (model.AvailabilityTemplate, bool, error)
	GetDepositPolicy(ctx context.Context, providerID string) (model.DepositPolicy, bool, error)
	// ListBusyIntervals returns pending, confirmed and completed bookings intersecting [start, end).
	ListBusyIntervals(ctx context.Context, providerID string, start, end time.Time) ([]model.Booking, error)
	// FindOverlapping returns pending and confirmed bookings intersecting [start, end),
	// skipping excludeID when set.
	FindOverlapping(ctx context.Context, providerID string, start, end time.Time, excludeID string) ([]model.Booking, error)
	GetBooking(ctx context.Context, id string) (model.Booking, error)
	// ListPendingBillingRecords returns pending records created before olderThan, oldest first.
	ListPendingBillingRecords(ctx context.Context, olderThan time.Time, limit int) ([]model.BillingRecord, error)
	// FindPendingBillingRecord returns the newest pending record of typ for the booking.
	FindPendingBillingRecord(ctx context.Context, bookingID string, typ model.PaymentType) (model.BillingRecord, bool, error)
}

type Tx interface {
	Reader

	GetBookingForUpdate(ctx context.Context, id string) (model.Booking, error)
	InsertBooking(ctx context.Context, b model.Booking) error
	UpdateBooking(ctx context.Context, b model.Booking) error

	// LockIdempotencyKey claims (clientID, key) for this transaction and returns
	// the booking id already stored under it, or "" on first use.
	LockIdempotencyKey(ctx context.Context, clientID, key string) (string, error)
	FinalizeIdempotencyKey(ctx context.Context, clientID, key, bookingID string) error

	UpsertAvailabilityTemplate(ctx context.Context, tpl model.AvailabilityTemplate) error
	UpsertDepositPolicy(ctx context.Context, p model.DepositPolicy) error

	InsertBillingRecord(ctx context.Context, rec model.BillingRecord) error
	GetBillingRecordForUpdate(ctx context.Context, id string) (model.BillingRecord, error)
	GetBillingRecordByIntentForUpdate(ctx context.Context, paymentIntentID string) (model.BillingRecord, error)
	UpdateBillingRecord(ctx context.Context, rec model.BillingRecord) error

	// LockWebhookEvent row-locks a previously recorded event.
	LockWebhookEvent(ctx context.Context, externalEventID string) (model.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, externalEventID, processingError string, at time.Time) error

	InsertOutboxEvent(ctx context.Context, evt outbox.Event) error
}

type Store interface {
	Reader
	// InTx commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// RecordWebhookEvent stores the event outside any transaction so it survives
	// a failed processing attempt. inserted is false if the id was already present.
	RecordWebhookEvent(ctx context.Context, evt model.WebhookEvent) (inserted bool, err error)
}
