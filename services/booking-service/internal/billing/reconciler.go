// Package billing creates deposit and final-balance payment intents and
// reconciles payment-provider webhooks against bookings exactly once.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inkslot/inkslot/services/booking-service/internal/booking"
	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/outbox"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
)

type Reconciler struct {
	store    storage.Store
	gateway  PaymentGateway
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

type Config struct {
	Currency string
	Now      func() time.Time
}

func NewReconciler(store storage.Store, gateway PaymentGateway, logger *slog.Logger, cfg Config) *Reconciler {
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, gateway: gateway, currency: currency, logger: logger, now: cfg.Now}
}

// IntentResult is returned to the paying client.
type IntentResult struct {
	BillingRecordID      string            `json:"billing_record_id"`
	BookingID            string            `json:"booking_id"`
	PaymentType          model.PaymentType `json:"payment_type"`
	PaymentIntentID      string            `json:"payment_intent_id"`
	ClientSecret         string            `json:"client_secret"`
	AmountCents          int64             `json:"amount_cents"`
	Currency             string            `json:"currency"`
	PriceCents           *int64            `json:"price_cents,omitempty"`
	DepositRequiredCents int64             `json:"deposit_required_cents"`
	DepositPaidCents     int64             `json:"deposit_paid_cents"`
	DepositAppliedCents  int64             `json:"deposit_applied_cents,omitempty"`
}

// RequestDepositIntent opens a payment intent for the booking's full required deposit.
func (r *Reconciler) RequestDepositIntent(ctx context.Context, bookingID, clientID string) (IntentResult, error) {
	return r.requestIntent(ctx, bookingID, clientID, model.PaymentDeposit)
}

// RequestFinalPaymentIntent opens a payment intent for the price minus the paid deposit.
func (r *Reconciler) RequestFinalPaymentIntent(ctx context.Context, bookingID, clientID string) (IntentResult, error) {
	return r.requestIntent(ctx, bookingID, clientID, model.PaymentFinal)
}

// amountDue decides what a client owes for typ, or why nothing can be charged.
func amountDue(b model.Booking, typ model.PaymentType) (amount, applied int64, err error) {
	switch typ {
	case model.PaymentDeposit:
		if !b.Status.Active() {
			return 0, 0, model.Invalid(model.ErrInvalidTransition, "cannot take a deposit for a %s booking", b.Status)
		}
		if b.DepositRequiredCents <= 0 {
			return 0, 0, model.ErrNoPaymentRequired
		}
		if b.DepositSettled() {
			return 0, 0, model.ErrDepositAlreadyPaid
		}
		return b.DepositRequiredCents, 0, nil
	case model.PaymentFinal:
		if !b.Status.Busy() {
			return 0, 0, model.Invalid(model.ErrInvalidTransition, "cannot take payment for a %s booking", b.Status)
		}
		if !b.DepositSettled() {
			return 0, 0, model.ErrDepositNotPaid
		}
		if b.PriceCents == nil {
			return 0, 0, model.ErrPriceNotSet
		}
		remaining := *b.PriceCents - b.DepositPaidCents - b.FinalPaidCents
		if remaining <= 0 {
			return 0, 0, model.ErrNoPaymentRequired
		}
		return remaining, b.DepositPaidCents, nil
	}
	return 0, 0, fmt.Errorf("unknown payment type %q", typ)
}

// requestIntent hands back the open intent when one is already pending for
// the booking and payment type, so at most one can ever settle against it.
func (r *Reconciler) requestIntent(ctx context.Context, bookingID, clientID string, typ model.PaymentType) (IntentResult, error) {
	b, err := r.store.GetBooking(ctx, bookingID)
	if err != nil {
		return IntentResult{}, err
	}
	if clientID == "" || clientID != b.ClientID {
		return IntentResult{}, model.ErrForbidden
	}
	amount, applied, err := amountDue(b, typ)
	if err != nil {
		return IntentResult{}, err
	}

	pending, hasPending, err := r.store.FindPendingBillingRecord(ctx, b.ID, typ)
	if err != nil {
		return IntentResult{}, err
	}
	if hasPending {
		intent, err := r.gateway.GetIntent(ctx, pending.PaymentIntentID)
		if err != nil {
			return IntentResult{}, fmt.Errorf("look up payment intent: %w", err)
		}
		if intent.Status != IntentCanceled {
			r.logger.Info("payment intent reused",
				"billing_record_id", pending.ID,
				"booking_id", b.ID,
				"payment_type", typ,
			)
			return intentResult(pending, b, intent), nil
		}
	}

	recordID := uuid.NewString()
	intent, err := r.gateway.CreateIntent(ctx, IntentRequest{
		AmountCents:    amount,
		Currency:       r.currency,
		Description:    fmt.Sprintf("%s for booking %s", typ, b.ID),
		IdempotencyKey: recordID,
		Metadata: map[string]string{
			MetaBillingRecordID: recordID,
			MetaBookingID:       b.ID,
			MetaPaymentType:     string(typ),
		},
	})
	if err != nil {
		return IntentResult{}, fmt.Errorf("create payment intent: %w", err)
	}

	now := r.now().UTC()
	rec := model.BillingRecord{
		ID:                  recordID,
		BookingID:           b.ID,
		ProviderID:          b.ProviderID,
		ClientID:            b.ClientID,
		Type:                typ,
		AmountCents:         amount,
		DepositAppliedCents: applied,
		Currency:            r.currency,
		Status:              model.BillingPending,
		PaymentIntentID:     intent.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err = r.store.InTx(ctx, func(tx storage.Tx) error {
		// Re-check under the row lock: a webhook may have settled the booking,
		// or a concurrent request opened its own intent, while this one was
		// being created.
		locked, err := tx.GetBookingForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		if _, _, err := amountDue(locked, typ); err != nil {
			return err
		}
		other, ok, err := tx.FindPendingBillingRecord(ctx, b.ID, typ)
		if err != nil {
			return err
		}
		if ok {
			if !hasPending || other.ID != pending.ID {
				return model.ErrPaymentInFlight
			}
			other.Status = model.BillingCanceled
			other.UpdatedAt = now
			if err := tx.UpdateBillingRecord(ctx, other); err != nil {
				return err
			}
		}
		b = locked
		return tx.InsertBillingRecord(ctx, rec)
	})
	if err != nil {
		return IntentResult{}, err
	}

	r.logger.Info("payment intent created",
		"billing_record_id", rec.ID,
		"booking_id", b.ID,
		"payment_type", typ,
		"amount_cents", amount,
	)
	return intentResult(rec, b, intent), nil
}

func intentResult(rec model.BillingRecord, b model.Booking, intent Intent) IntentResult {
	return IntentResult{
		BillingRecordID:      rec.ID,
		BookingID:            b.ID,
		PaymentType:          rec.Type,
		PaymentIntentID:      intent.ID,
		ClientSecret:         intent.ClientSecret,
		AmountCents:          rec.AmountCents,
		Currency:             rec.Currency,
		PriceCents:           b.PriceCents,
		DepositRequiredCents: b.DepositRequiredCents,
		DepositPaidCents:     b.DepositPaidCents,
		DepositAppliedCents:  rec.DepositAppliedCents,
	}
}

// settle marks a pending record paid and applies it to the booking. Records
// that are already paid or refunded are left untouched.
func (r *Reconciler) settle(ctx context.Context, tx storage.Tx, rec model.BillingRecord, now time.Time) (bool, error) {
	if rec.Status != model.BillingPending {
		return false, nil
	}
	if _, err := booking.ApplyPayment(ctx, tx, rec.BookingID, rec.Type, rec.AmountCents, now); err != nil {
		return false, err
	}

	rec.Status = model.BillingPaid
	rec.PaidAt = &now
	rec.UpdatedAt = now
	if err := tx.UpdateBillingRecord(ctx, rec); err != nil {
		return false, err
	}

	payload, err := json.Marshal(map[string]any{
		"billing_record_id": rec.ID,
		"booking_id":        rec.BookingID,
		"payment_type":      rec.Type,
		"amount_cents":      rec.AmountCents,
		"currency":          rec.Currency,
		"payment_intent_id": rec.PaymentIntentID,
		"paid_at":           now.Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	if err := tx.InsertOutboxEvent(ctx, outbox.Event{
		AggregateType: outbox.AggregateBilling,
		AggregateID:   rec.ID,
		EventType:     outbox.PaymentSucceeded,
		Payload:       payload,
	}); err != nil {
		return false, err
	}
	return true, nil
}
