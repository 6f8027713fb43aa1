package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	otelx "github.com/inkslot/inkslot/libs/otel"
	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const ProviderStripe = "stripe"

// Event types the reconciler acts on. Everything else is recorded and ignored.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded   = "charge.refunded"
)

// Event is a verified payment-provider event.
type Event struct {
	ID              string
	Provider        string
	Type            string
	PaymentIntentID string
	Metadata        map[string]string
	AmountCents     int64
	Payload         []byte
}

type Result struct {
	AlreadyProcessed bool   `json:"already_processed"`
	Applied          bool   `json:"applied"`
	BillingRecordID  string `json:"billing_record_id,omitempty"`
	BookingID        string `json:"booking_id,omitempty"`
	// Rejected holds the business reason the event was recorded without effect.
	Rejected string `json:"rejected,omitempty"`
}

// FromStripe extracts the fields the reconciler needs from a verified Stripe event.
func FromStripe(evt stripe.Event, payload []byte) (Event, error) {
	out := Event{ID: evt.ID, Provider: ProviderStripe, Type: string(evt.Type), Payload: payload}
	if evt.Data == nil {
		return out, nil
	}
	switch {
	case strings.HasPrefix(out.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("decode payment intent: %w", err)
		}
		out.PaymentIntentID = pi.ID
		out.Metadata = pi.Metadata
		out.AmountCents = pi.AmountReceived
	case strings.HasPrefix(out.Type, "charge."):
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return Event{}, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent != nil {
			out.PaymentIntentID = ch.PaymentIntent.ID
		}
		out.Metadata = ch.Metadata
		out.AmountCents = ch.AmountRefunded
	}
	return out, nil
}

// HandleWebhookEvent applies evt at most once. The event is durably recorded
// before any side effect; it is marked processed in the same transaction as
// the billing and booking mutations, so a failed attempt stays retryable.
// Business rejections are recorded as processed with the reason and return a
// nil error.
func (r *Reconciler) HandleWebhookEvent(ctx context.Context, evt Event) (Result, error) {
	ctx, span := otelx.Tracer("billing").Start(ctx, "billing.webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider_event_id", evt.ID),
		attribute.String("event_type", evt.Type),
	)

	if strings.TrimSpace(evt.ID) == "" {
		return Result{}, model.Invalid(model.ErrMissingField, "event id is required")
	}
	if evt.Provider == "" {
		evt.Provider = ProviderStripe
	}
	payload := evt.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	inserted, err := r.store.RecordWebhookEvent(ctx, model.WebhookEvent{
		ExternalEventID: evt.ID,
		Provider:        evt.Provider,
		EventType:       evt.Type,
		Payload:         payload,
		CreatedAt:       r.now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record event")
		return Result{}, fmt.Errorf("record webhook event: %w", err)
	}
	if !inserted {
		r.logger.Info("billing provider event redelivered", "provider_event_id", evt.ID, "event_type", evt.Type)
	}

	var res Result
	err = r.store.InTx(ctx, func(tx storage.Tx) error {
		ledger, err := tx.LockWebhookEvent(ctx, evt.ID)
		if err != nil {
			return err
		}
		if ledger.Processed {
			res = Result{AlreadyProcessed: true}
			return nil
		}

		now := r.now().UTC()
		res, err = r.apply(ctx, tx, evt)
		rejection := ""
		if err != nil {
			e, ok := model.AsError(err)
			if !ok {
				return err
			}
			rejection = e.Code + ": " + e.Message
			res = Result{Rejected: rejection}
		}
		return tx.MarkWebhookEventProcessed(ctx, evt.ID, rejection, now)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process event")
		return Result{}, err
	}

	span.SetAttributes(attribute.Bool("already_processed", res.AlreadyProcessed), attribute.Bool("applied", res.Applied))
	switch {
	case res.AlreadyProcessed:
		r.logger.Info("billing provider event duplicate ignored", "provider_event_id", evt.ID, "event_type", evt.Type)
	case res.Rejected != "":
		r.logger.Warn("billing provider event rejected", "provider_event_id", evt.ID, "event_type", evt.Type, "reason", res.Rejected)
	default:
		r.logger.Info("billing provider event processed",
			"provider_event_id", evt.ID,
			"event_type", evt.Type,
			"applied", res.Applied,
			"billing_record_id", res.BillingRecordID,
		)
	}
	return res, nil
}

// apply performs the event's side effects. It returns *model.Error only
// before anything has been written.
func (r *Reconciler) apply(ctx context.Context, tx storage.Tx, evt Event) (Result, error) {
	switch evt.Type {
	case EventPaymentSucceeded:
		rec, err := r.findRecord(ctx, tx, evt)
		if err != nil {
			return Result{}, err
		}
		if evt.AmountCents > 0 && evt.AmountCents != rec.AmountCents {
			r.logger.Warn("payment amount differs from billing record",
				"billing_record_id", rec.ID,
				"record_amount_cents", rec.AmountCents,
				"received_amount_cents", evt.AmountCents,
			)
		}
		applied, err := r.settle(ctx, tx, rec, r.now().UTC())
		if err != nil {
			return Result{}, err
		}
		return Result{Applied: applied, BillingRecordID: rec.ID, BookingID: rec.BookingID}, nil

	case EventChargeRefunded:
		rec, err := r.findRecord(ctx, tx, evt)
		if err != nil {
			return Result{}, err
		}
		if rec.Status != model.BillingPaid {
			return Result{BillingRecordID: rec.ID, BookingID: rec.BookingID}, nil
		}
		now := r.now().UTC()
		rec.Status = model.BillingRefunded
		rec.UpdatedAt = now
		if err := tx.UpdateBillingRecord(ctx, rec); err != nil {
			return Result{}, err
		}
		return Result{Applied: true, BillingRecordID: rec.ID, BookingID: rec.BookingID}, nil

	default:
		// payment_intent.payment_failed and unrelated types leave state alone;
		// the client may retry with the same intent.
		return Result{}, nil
	}
}

// findRecord locates the billing record by metadata id, falling back to the
// payment intent id.
func (r *Reconciler) findRecord(ctx context.Context, tx storage.Tx, evt Event) (model.BillingRecord, error) {
	if id := strings.TrimSpace(evt.Metadata[MetaBillingRecordID]); id != "" {
		rec, err := tx.GetBillingRecordForUpdate(ctx, id)
		if err == nil || !errors.Is(err, model.ErrBillingNotFound) {
			return rec, err
		}
	}
	if evt.PaymentIntentID == "" {
		return model.BillingRecord{}, model.Invalid(model.ErrBillingNotFound, "event carries no billing reference")
	}
	return tx.GetBillingRecordByIntentForUpdate(ctx, evt.PaymentIntentID)
}
