// Package booking owns the booking lifecycle: create, reschedule, cancel,
// no-show and complete, including deposit forfeiture.
package booking

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inkslot/inkslot/services/booking-service/internal/deposit"
	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/outbox"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
)

const (
	MinConsultation     = 15 * time.Minute
	MaxConsultation     = 60 * time.Minute
	DefaultConsultation = 30 * time.Minute
	MaxSession          = 12 * time.Hour
)

// SlotInvalidator drops cached availability after a provider's bookings change.
type SlotInvalidator interface {
	Invalidate(ctx context.Context, providerID string)
}

type Service struct {
	store  storage.Store
	guard  Guard
	slots  SlotInvalidator
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store storage.Store, slots SlotInvalidator, logger *slog.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, slots: slots, logger: logger, now: now}
}

type CreateInput struct {
	ProviderID      string
	ClientID        string
	Type            model.AppointmentType
	StartAt         time.Time
	DurationMinutes int
	EndAt           *time.Time
	PriceCents      *int64
	ProjectID       string
	SessionNumber   int
	// IdempotencyKey, when set, makes a retried create return the booking
	// created by the first attempt.
	IdempotencyKey string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (model.Booking, error) {
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.ClientID = strings.TrimSpace(in.ClientID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.ProviderID == "" || in.ClientID == "" {
		return model.Booking{}, model.Invalid(model.ErrMissingField, "provider_id and client_id are required")
	}
	if in.ProviderID == in.ClientID {
		return model.Booking{}, model.Invalid(model.ErrForbidden, "provider cannot book themselves")
	}
	if !in.Type.Valid() {
		return model.Booking{}, model.ErrInvalidType
	}
	if in.StartAt.IsZero() {
		return model.Booking{}, model.Invalid(model.ErrInvalidTime, "start_at is required")
	}
	if in.PriceCents != nil && *in.PriceCents < 0 {
		return model.Booking{}, model.ErrInvalidPrice
	}
	var requested time.Duration
	if in.DurationMinutes > 0 {
		requested = time.Duration(in.DurationMinutes) * time.Minute
	} else if in.EndAt != nil {
		requested = in.EndAt.Sub(in.StartAt)
		if requested <= 0 {
			return model.Booking{}, model.ErrInvalidTime
		}
	}
	length, err := appointmentLength(in.Type, requested)
	if err != nil {
		return model.Booking{}, err
	}

	now := s.now().UTC()
	b := model.Booking{
		ID:              uuid.NewString(),
		ProviderID:      in.ProviderID,
		ClientID:        in.ClientID,
		StartAt:         in.StartAt.UTC(),
		EndAt:           in.StartAt.UTC().Add(length),
		AppointmentType: in.Type,
		Status:          model.StatusPending,
		PriceCents:      in.PriceCents,
		ProjectID:       strings.TrimSpace(in.ProjectID),
		SessionNumber:   in.SessionNumber,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	replayed := false
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		if in.IdempotencyKey != "" {
			existingID, err := tx.LockIdempotencyKey(ctx, in.ClientID, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if existingID != "" {
				existing, err := tx.GetBooking(ctx, existingID)
				if err != nil {
					return err
				}
				b, replayed = existing, true
				return nil
			}
		}

		policy, ok, err := tx.GetDepositPolicy(ctx, b.ProviderID)
		if err != nil {
			return err
		}
		enabled := ok && deposit.Enabled(policy)
		if b.AppointmentType == model.AppointmentSession && !enabled {
			return model.ErrDepositPolicyMissing
		}
		if enabled {
			b.DepositRequiredCents = deposit.Compute(policy, b.PriceCents)
		}

		if err := s.guard.Reserve(ctx, tx, b); err != nil {
			return err
		}
		if err := writeEvent(ctx, tx, outbox.BookingCreated, b, b.ClientID, "", 0); err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			return tx.FinalizeIdempotencyKey(ctx, in.ClientID, in.IdempotencyKey, b.ID)
		}
		return nil
	})
	if err != nil {
		return model.Booking{}, err
	}
	if !replayed {
		s.invalidate(ctx, b.ProviderID)
		s.logger.Info("booking created", "booking_id", b.ID, "provider_id", b.ProviderID, "type", b.AppointmentType)
	}
	return b, nil
}

// appointmentLength clamps consultations into [15m, 60m] and bounds sessions
// to (0, 12h].
func appointmentLength(t model.AppointmentType, requested time.Duration) (time.Duration, error) {
	switch t {
	case model.AppointmentConsultation:
		switch {
		case requested <= 0:
			return DefaultConsultation, nil
		case requested < MinConsultation:
			return MinConsultation, nil
		case requested > MaxConsultation:
			return MaxConsultation, nil
		}
		return requested, nil
	case model.AppointmentSession:
		if requested <= 0 {
			return 0, model.Invalid(model.ErrInvalidDuration, "session requires duration_minutes or end_at")
		}
		if requested > MaxSession {
			return 0, model.Invalid(model.ErrInvalidDuration, "session cannot exceed %s", MaxSession)
		}
		return requested, nil
	}
	return 0, model.ErrInvalidType
}

func (s *Service) Get(ctx context.Context, id, actorID string) (model.Booking, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return model.Booking{}, err
	}
	if !b.Party(actorID) {
		return model.Booking{}, model.ErrForbidden
	}
	return b, nil
}

type RescheduleInput struct {
	BookingID string
	ActorID   string
	StartAt   time.Time
	// EndAt is optional; the booking keeps its length when nil.
	EndAt *time.Time
}

// Reschedule moves a pending or confirmed booking. The deposit is forfeited
// when the old start is closer than the provider's cutoff.
func (s *Service) Reschedule(ctx context.Context, in RescheduleInput) (model.Booking, error) {
	if in.StartAt.IsZero() {
		return model.Booking{}, model.Invalid(model.ErrInvalidTime, "start_at is required")
	}
	if in.EndAt != nil && !in.EndAt.After(in.StartAt) {
		return model.Booking{}, model.ErrInvalidTime
	}

	var out model.Booking
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, in.BookingID)
		if err != nil {
			return err
		}
		if !b.Party(in.ActorID) {
			return model.ErrForbidden
		}
		if !b.Status.Active() {
			return model.Invalid(model.ErrInvalidTransition, "cannot reschedule a %s booking", b.Status)
		}

		requested := b.EndAt.Sub(b.StartAt)
		if in.EndAt != nil {
			requested = in.EndAt.Sub(in.StartAt)
		}
		length, err := appointmentLength(b.AppointmentType, requested)
		if err != nil {
			return err
		}

		policy, err := s.policy(ctx, tx, b.ProviderID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		forfeited := forfeit(&b, deposit.ShouldForfeit(policy, b.StartAt, now))

		oldStart := b.StartAt
		b.StartAt = in.StartAt.UTC()
		b.EndAt = b.StartAt.Add(length)
		b.RescheduledFrom = &oldStart
		b.RescheduledBy = in.ActorID
		b.UpdatedAt = now

		if err := s.guard.Move(ctx, tx, b); err != nil {
			return err
		}
		out = b
		return writeEvent(ctx, tx, outbox.BookingRescheduled, b, in.ActorID, "", forfeited)
	})
	if err != nil {
		return model.Booking{}, err
	}
	s.invalidate(ctx, out.ProviderID)
	s.logger.Info("booking rescheduled", "booking_id", out.ID, "actor_id", in.ActorID)
	return out, nil
}

// Cancel cancels a pending or confirmed booking. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string) (model.Booking, error) {
	reason = strings.TrimSpace(reason)
	var (
		out     model.Booking
		changed bool
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !b.Party(actorID) {
			return model.ErrForbidden
		}
		if b.Status == model.StatusCancelled {
			out = b
			return nil
		}
		if !b.Status.Active() {
			return model.Invalid(model.ErrInvalidTransition, "cannot cancel a %s booking", b.Status)
		}

		policy, err := s.policy(ctx, tx, b.ProviderID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		forfeited := forfeit(&b, deposit.ShouldForfeit(policy, b.StartAt, now))

		b.Status = model.StatusCancelled
		b.CancelledBy = actorID
		b.CancellationReason = reason
		b.CancelledAt = &now
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		out, changed = b, true
		return writeEvent(ctx, tx, outbox.BookingCancelled, b, actorID, reason, forfeited)
	})
	if err != nil {
		return model.Booking{}, err
	}
	if changed {
		s.invalidate(ctx, out.ProviderID)
		s.logger.Info("booking cancelled", "booking_id", out.ID, "actor_id", actorID)
	}
	return out, nil
}

// MarkNoShow is provider-only and always forfeits the deposit.
func (s *Service) MarkNoShow(ctx context.Context, id, actorID, reason string) (model.Booking, error) {
	reason = strings.TrimSpace(reason)
	var (
		out     model.Booking
		changed bool
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if actorID == "" || actorID != b.ProviderID {
			return model.ErrForbidden
		}
		now := s.now().UTC()
		if now.Before(b.StartAt) {
			return model.ErrNoShowBeforeStart
		}
		if b.Status == model.StatusNoShow {
			out = b
			return nil
		}
		if b.Status != model.StatusConfirmed {
			return model.Invalid(model.ErrInvalidTransition, "only confirmed bookings can be marked no-show, got %s", b.Status)
		}

		forfeited := forfeit(&b, true)
		b.Status = model.StatusNoShow
		b.NoShowMarkedAt = &now
		b.NoShowReason = reason
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		out, changed = b, true
		return writeEvent(ctx, tx, outbox.BookingNoShow, b, actorID, reason, forfeited)
	})
	if err != nil {
		return model.Booking{}, err
	}
	if changed {
		s.invalidate(ctx, out.ProviderID)
		s.logger.Info("booking marked no-show", "booking_id", out.ID)
	}
	return out, nil
}

// Complete is provider-only. Completing twice is a no-op.
func (s *Service) Complete(ctx context.Context, id, actorID string) (model.Booking, error) {
	var (
		out     model.Booking
		changed bool
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if actorID == "" || actorID != b.ProviderID {
			return model.ErrForbidden
		}
		if b.Status == model.StatusCompleted {
			out = b
			return nil
		}
		if b.Status != model.StatusConfirmed {
			return model.Invalid(model.ErrInvalidTransition, "only confirmed bookings can be completed, got %s", b.Status)
		}

		now := s.now().UTC()
		b.Status = model.StatusCompleted
		b.CompletedAt = &now
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		out, changed = b, true
		return writeEvent(ctx, tx, outbox.BookingCompleted, b, actorID, "", 0)
	})
	if err != nil {
		return model.Booking{}, err
	}
	if changed {
		s.invalidate(ctx, out.ProviderID)
	}
	return out, nil
}

// ApplyPayment records a settled payment on the booking inside tx. A deposit
// moves a pending booking to confirmed; funds arriving for a booking that is
// no longer active are still recorded but change no status.
func ApplyPayment(ctx context.Context, tx storage.Tx, bookingID string, typ model.PaymentType, amountCents int64, now time.Time) (model.Booking, error) {
	b, err := tx.GetBookingForUpdate(ctx, bookingID)
	if err != nil {
		return model.Booking{}, err
	}

	confirmed := false
	switch typ {
	case model.PaymentDeposit:
		b.DepositPaidCents += amountCents
		if b.Status == model.StatusPending {
			b.Status = model.StatusConfirmed
			confirmed = true
		}
	case model.PaymentFinal:
		b.FinalPaidCents += amountCents
	}
	b.UpdatedAt = now.UTC()
	if err := tx.UpdateBooking(ctx, b); err != nil {
		return model.Booking{}, err
	}
	if confirmed {
		if err := writeEvent(ctx, tx, outbox.BookingConfirmed, b, b.ClientID, "", 0); err != nil {
			return model.Booking{}, err
		}
	}
	return b, nil
}

// policy returns the provider's deposit policy or a zero policy, whose cutoff
// is the default.
func (s *Service) policy(ctx context.Context, tx storage.Tx, providerID string) (model.DepositPolicy, error) {
	p, _, err := tx.GetDepositPolicy(ctx, providerID)
	return p, err
}

// forfeit zeroes the paid deposit when apply is set and reports how much was lost.
func forfeit(b *model.Booking, apply bool) int64 {
	if !apply || b.DepositPaidCents == 0 {
		return 0
	}
	lost := b.DepositPaidCents
	b.DepositPaidCents = 0
	return lost
}

func (s *Service) invalidate(ctx context.Context, providerID string) {
	if s.slots != nil {
		s.slots.Invalidate(ctx, providerID)
	}
}
