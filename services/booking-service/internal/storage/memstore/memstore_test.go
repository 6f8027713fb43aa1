package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/outbox"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func booking(id string, from, to time.Duration, status model.BookingStatus) model.Booking {
	return model.Booking{
		ID:              id,
		ProviderID:      "prov-1",
		ClientID:        "client-1",
		StartAt:         base.Add(from),
		EndAt:           base.Add(to),
		AppointmentType: model.AppointmentConsultation,
		Status:          status,
	}
}

func TestInsertBooking_EnforcesExclusion(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertBooking(ctx, booking("a", 0, time.Hour, model.StatusPending))
	}))

	err := s.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertBooking(ctx, booking("b", 30*time.Minute, 90*time.Minute, model.StatusPending))
	})
	assert.ErrorIs(t, err, model.ErrSlotBooked)

	// Touching windows and inactive bookings do not conflict.
	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertBooking(ctx, booking("c", time.Hour, 2*time.Hour, model.StatusConfirmed)); err != nil {
			return err
		}
		return tx.InsertBooking(ctx, booking("d", 0, time.Hour, model.StatusCancelled))
	}))
	assert.Len(t, s.Bookings(), 3)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertBooking(ctx, booking("a", 0, time.Hour, model.StatusPending)); err != nil {
			return err
		}
		if err := tx.InsertOutboxEvent(ctx, outbox.Event{EventType: outbox.BookingCreated}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetBooking(ctx, "a")
	assert.ErrorIs(t, err, model.ErrBookingNotFound)
	assert.Empty(t, s.OutboxEvents())
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		for _, b := range []model.Booking{
			booking("p", 0, time.Hour, model.StatusPending),
			booking("done", 2*time.Hour, 3*time.Hour, model.StatusCompleted),
			booking("gone", 2*time.Hour, 3*time.Hour, model.StatusCancelled),
		} {
			if err := tx.InsertBooking(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}))

	busy, err := s.ListBusyIntervals(ctx, "prov-1", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, busy, 2)
	assert.Equal(t, "p", busy[0].ID)
	assert.Equal(t, "done", busy[1].ID)

	overlapping, err := s.FindOverlapping(ctx, "prov-1", base, base.Add(24*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, overlapping, 1)

	overlapping, err = s.FindOverlapping(ctx, "prov-1", base, base.Add(24*time.Hour), "p")
	require.NoError(t, err)
	assert.Empty(t, overlapping)
}

func TestWebhookLedger(t *testing.T) {
	ctx := context.Background()
	s := New()

	evt := model.WebhookEvent{ExternalEventID: "evt_1", Provider: "stripe", EventType: "payment_intent.succeeded", Payload: []byte(`{}`)}
	inserted, err := s.RecordWebhookEvent(ctx, evt)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.RecordWebhookEvent(ctx, evt)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 1, s.WebhookEventCount())

	at := base
	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		got, err := tx.LockWebhookEvent(ctx, "evt_1")
		if err != nil {
			return err
		}
		assert.False(t, got.Processed)
		return tx.MarkWebhookEventProcessed(ctx, "evt_1", "", at)
	}))

	got, ok := s.WebhookEvent("evt_1")
	require.True(t, ok)
	assert.True(t, got.Processed)
	assert.Equal(t, at, *got.ProcessedAt)

	err = s.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.LockWebhookEvent(ctx, "evt_missing")
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		id, err := tx.LockIdempotencyKey(ctx, "client-1", "key-1")
		require.NoError(t, err)
		assert.Empty(t, id)
		return tx.FinalizeIdempotencyKey(ctx, "client-1", "key-1", "booking-1")
	}))
	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		id, err := tx.LockIdempotencyKey(ctx, "client-1", "key-1")
		require.NoError(t, err)
		assert.Equal(t, "booking-1", id)

		id, err = tx.LockIdempotencyKey(ctx, "client-2", "key-1")
		require.NoError(t, err)
		assert.Empty(t, id)
		return nil
	}))
}
