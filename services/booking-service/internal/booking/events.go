package booking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/outbox"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
)

type eventPayload struct {
	BookingID        string `json:"booking_id"`
	ProviderID       string `json:"provider_id"`
	ClientID         string `json:"client_id"`
	AppointmentType  string `json:"appointment_type"`
	Status           string `json:"status"`
	StartAt          string `json:"start_at"`
	EndAt            string `json:"end_at"`
	DepositPaidCents int64  `json:"deposit_paid_cents"`
	ForfeitedCents   int64  `json:"forfeited_cents,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	RescheduledFrom  string `json:"rescheduled_from,omitempty"`
}

func writeEvent(ctx context.Context, tx storage.Tx, eventType string, b model.Booking, actorID, reason string, forfeited int64) error {
	p := eventPayload{
		BookingID:        b.ID,
		ProviderID:       b.ProviderID,
		ClientID:         b.ClientID,
		AppointmentType:  string(b.AppointmentType),
		Status:           string(b.Status),
		StartAt:          b.StartAt.UTC().Format(time.RFC3339),
		EndAt:            b.EndAt.UTC().Format(time.RFC3339),
		DepositPaidCents: b.DepositPaidCents,
		ForfeitedCents:   forfeited,
		ActorID:          actorID,
		Reason:           reason,
	}
	if eventType == outbox.BookingRescheduled && b.RescheduledFrom != nil {
		p.RescheduledFrom = b.RescheduledFrom.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return tx.InsertOutboxEvent(ctx, outbox.Event{
		AggregateType: outbox.AggregateBooking,
		AggregateID:   b.ID,
		EventType:     eventType,
		Payload:       payload,
	})
}
