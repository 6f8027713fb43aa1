package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/inkslot/inkslot/libs/db"
	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned for lookups that have no client-facing error.
var ErrNotFound = errors.New("not found")

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx pool.
type Postgres struct {
	queries
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool, outboxRepo *outbox.Repository) *Postgres {
	return &Postgres{queries: queries{q: pool}, pool: pool, outbox: outboxRepo}
}

func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{queries: queries{q: tx}, tx: tx, outbox: s.outbox})
	})
}

func (s *Postgres) RecordWebhookEvent(ctx context.Context, evt model.WebhookEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (external_event_id, provider, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_event_id) DO NOTHING
	`, evt.ExternalEventID, evt.Provider, evt.EventType, evt.Payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type queries struct {
	q querier
}

const bookingColumns = `
	id::text, provider_id, client_id, start_at, end_at, appointment_type, status,
	price_cents, deposit_required_cents, deposit_paid_cents, final_paid_cents,
	COALESCE(project_id, ''), COALESCE(session_number, 0), rescheduled_from,
	COALESCE(rescheduled_by, ''), COALESCE(cancelled_by, ''), COALESCE(cancellation_reason, ''),
	cancelled_at, no_show_marked_at, COALESCE(no_show_reason, ''), completed_at, created_at, updated_at`

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	err := row.Scan(
		&b.ID,
		&b.ProviderID,
		&b.ClientID,
		&b.StartAt,
		&b.EndAt,
		&b.AppointmentType,
		&b.Status,
		&b.PriceCents,
		&b.DepositRequiredCents,
		&b.DepositPaidCents,
		&b.FinalPaidCents,
		&b.ProjectID,
		&b.SessionNumber,
		&b.RescheduledFrom,
		&b.RescheduledBy,
		&b.CancelledBy,
		&b.CancellationReason,
		&b.CancelledAt,
		&b.NoShowMarkedAt,
		&b.NoShowReason,
		&b.CompletedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}

func (r queries) listBookings(ctx context.Context, sql string, args ...any) ([]model.Booking, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r queries) ListBusyIntervals(ctx context.Context, providerID string, start, end time.Time) ([]model.Booking, error) {
	return r.listBookings(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
			AND status IN ('pending', 'confirmed', 'completed')
			AND start_at < $3
			AND end_at > $2
		ORDER BY start_at ASC
	`, providerID, start, end)
}

func (r queries) FindOverlapping(ctx context.Context, providerID string, start, end time.Time, excludeID string) ([]model.Booking, error) {
	return r.listBookings(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
			AND status IN ('pending', 'confirmed')
			AND start_at < $3
			AND end_at > $2
			AND ($4::text = '' OR id::text <> $4::text)
		ORDER BY start_at ASC
	`, providerID, start, end, excludeID)
}

func (r queries) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	return r.getBooking(ctx, id, "")
}

func (r queries) getBooking(ctx context.Context, id, lock string) (model.Booking, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Booking{}, model.ErrBookingNotFound
	}
	b, err := scanBooking(r.q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 `+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Booking{}, model.ErrBookingNotFound
	}
	return b, err
}

func (r queries) GetAvailabilityTemplate(ctx context.Context, providerID string) (model.AvailabilityTemplate, bool, error) {
	tpl := model.AvailabilityTemplate{ProviderID: providerID}
	var weekly, exceptions []byte
	err := r.q.QueryRow(ctx, `
		SELECT timezone, slot_minutes, weekly, exceptions, updated_at
		FROM availability_templates
		WHERE provider_id = $1
	`, providerID).Scan(&tpl.Timezone, &tpl.SlotMinutes, &weekly, &exceptions, &tpl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AvailabilityTemplate{}, false, nil
	}
	if err != nil {
		return model.AvailabilityTemplate{}, false, err
	}
	if err := json.Unmarshal(weekly, &tpl.Weekly); err != nil {
		return model.AvailabilityTemplate{}, false, err
	}
	if err := json.Unmarshal(exceptions, &tpl.Exceptions); err != nil {
		return model.AvailabilityTemplate{}, false, err
	}
	return tpl, true, nil
}

func (r queries) GetDepositPolicy(ctx context.Context, providerID string) (model.DepositPolicy, bool, error) {
	p := model.DepositPolicy{ProviderID: providerID}
	err := r.q.QueryRow(ctx, `
		SELECT mode, amount_cents, percent, min_cents, max_cents, non_refundable, cutoff_hours, updated_at
		FROM deposit_policies
		WHERE provider_id = $1
	`, providerID).Scan(&p.Mode, &p.AmountCents, &p.Percent, &p.MinCents, &p.MaxCents, &p.NonRefundable, &p.CutoffHours, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DepositPolicy{}, false, nil
	}
	if err != nil {
		return model.DepositPolicy{}, false, err
	}
	return p, true, nil
}

func (r queries) FindPendingBillingRecord(ctx context.Context, bookingID string, typ model.PaymentType) (model.BillingRecord, bool, error) {
	if _, err := uuid.Parse(bookingID); err != nil {
		return model.BillingRecord{}, false, nil
	}
	rec, err := scanBillingRecord(r.q.QueryRow(ctx, `
		SELECT `+billingColumns+`
		FROM billing_records
		WHERE booking_id = $1 AND payment_type = $2 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`, bookingID, typ))
	if errors.Is(err, model.ErrBillingNotFound) {
		return model.BillingRecord{}, false, nil
	}
	if err != nil {
		return model.BillingRecord{}, false, err
	}
	return rec, true, nil
}

func (r queries) ListPendingBillingRecords(ctx context.Context, olderThan time.Time, limit int) ([]model.BillingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `
		SELECT `+billingColumns+`
		FROM billing_records
		WHERE status = 'pending'
			AND payment_intent_id IS NOT NULL
			AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BillingRecord
	for rows.Next() {
		rec, err := scanBillingRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

type pgTx struct {
	queries
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) GetBookingForUpdate(ctx context.Context, id string) (model.Booking, error) {
	return t.getBooking(ctx, id, "FOR UPDATE")
}

func (t *pgTx) InsertBooking(ctx context.Context, b model.Booking) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bookings
			(id, provider_id, client_id, start_at, end_at, appointment_type, status,
			price_cents, deposit_required_cents, deposit_paid_cents, final_paid_cents,
			project_id, session_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, b.ID, b.ProviderID, b.ClientID, b.StartAt, b.EndAt, b.AppointmentType, b.Status,
		b.PriceCents, b.DepositRequiredCents, b.DepositPaidCents, b.FinalPaidCents,
		nullString(b.ProjectID), nullInt(b.SessionNumber), b.CreatedAt, b.UpdatedAt)
	return mapWriteErr(err)
}

func (t *pgTx) UpdateBooking(ctx context.Context, b model.Booking) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET start_at = $2,
			end_at = $3,
			status = $4,
			price_cents = $5,
			deposit_required_cents = $6,
			deposit_paid_cents = $7,
			final_paid_cents = $8,
			rescheduled_from = $9,
			rescheduled_by = $10,
			cancelled_by = $11,
			cancellation_reason = $12,
			cancelled_at = $13,
			no_show_marked_at = $14,
			no_show_reason = $15,
			completed_at = $16,
			updated_at = $17
		WHERE id = $1
	`, b.ID, b.StartAt, b.EndAt, b.Status, b.PriceCents, b.DepositRequiredCents, b.DepositPaidCents, b.FinalPaidCents,
		b.RescheduledFrom, nullString(b.RescheduledBy), nullString(b.CancelledBy), nullString(b.CancellationReason),
		b.CancelledAt, b.NoShowMarkedAt, nullString(b.NoShowReason), b.CompletedAt, b.UpdatedAt)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrBookingNotFound
	}
	return nil
}

func (t *pgTx) LockIdempotencyKey(ctx context.Context, clientID, key string) (string, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (client_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (client_id, idempotency_key) DO NOTHING
	`, clientID, key)
	if err != nil {
		return "", err
	}
	var bookingID string
	err = t.tx.QueryRow(ctx, `
		SELECT COALESCE(booking_id::text, '')
		FROM booking_idempotency_keys
		WHERE client_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, clientID, key).Scan(&bookingID)
	return bookingID, err
}

func (t *pgTx) FinalizeIdempotencyKey(ctx context.Context, clientID, key, bookingID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET booking_id = $3,
			updated_at = now()
		WHERE client_id = $1 AND idempotency_key = $2
	`, clientID, key, bookingID)
	return err
}

func (t *pgTx) UpsertAvailabilityTemplate(ctx context.Context, tpl model.AvailabilityTemplate) error {
	weekly, err := json.Marshal(tpl.Weekly)
	if err != nil {
		return err
	}
	exceptions := tpl.Exceptions
	if exceptions == nil {
		exceptions = map[string][]model.ClockRange{}
	}
	exceptionsJSON, err := json.Marshal(exceptions)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO availability_templates (provider_id, timezone, slot_minutes, weekly, exceptions, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_id) DO UPDATE
		SET timezone = EXCLUDED.timezone,
			slot_minutes = EXCLUDED.slot_minutes,
			weekly = EXCLUDED.weekly,
			exceptions = EXCLUDED.exceptions,
			updated_at = EXCLUDED.updated_at
	`, tpl.ProviderID, tpl.Timezone, tpl.SlotMinutes, weekly, exceptionsJSON, tpl.UpdatedAt)
	return err
}

func (t *pgTx) UpsertDepositPolicy(ctx context.Context, p model.DepositPolicy) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO deposit_policies
			(provider_id, mode, amount_cents, percent, min_cents, max_cents, non_refundable, cutoff_hours, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider_id) DO UPDATE
		SET mode = EXCLUDED.mode,
			amount_cents = EXCLUDED.amount_cents,
			percent = EXCLUDED.percent,
			min_cents = EXCLUDED.min_cents,
			max_cents = EXCLUDED.max_cents,
			non_refundable = EXCLUDED.non_refundable,
			cutoff_hours = EXCLUDED.cutoff_hours,
			updated_at = EXCLUDED.updated_at
	`, p.ProviderID, p.Mode, p.AmountCents, p.Percent, p.MinCents, p.MaxCents, p.NonRefundable, p.CutoffHours, p.UpdatedAt)
	return err
}

const billingColumns = `
	id::text, booking_id::text, provider_id, client_id, payment_type, amount_cents,
	deposit_applied_cents, currency, status, COALESCE(payment_intent_id, ''), paid_at, created_at, updated_at`

func scanBillingRecord(row pgx.Row) (model.BillingRecord, error) {
	var rec model.BillingRecord
	err := row.Scan(
		&rec.ID,
		&rec.BookingID,
		&rec.ProviderID,
		&rec.ClientID,
		&rec.Type,
		&rec.AmountCents,
		&rec.DepositAppliedCents,
		&rec.Currency,
		&rec.Status,
		&rec.PaymentIntentID,
		&rec.PaidAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BillingRecord{}, model.ErrBillingNotFound
	}
	return rec, err
}

func (t *pgTx) InsertBillingRecord(ctx context.Context, rec model.BillingRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO billing_records
			(id, booking_id, provider_id, client_id, payment_type, amount_cents, deposit_applied_cents,
			currency, status, payment_intent_id, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.ID, rec.BookingID, rec.ProviderID, rec.ClientID, rec.Type, rec.AmountCents, rec.DepositAppliedCents,
		rec.Currency, rec.Status, nullString(rec.PaymentIntentID), rec.PaidAt, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (t *pgTx) GetBillingRecordForUpdate(ctx context.Context, id string) (model.BillingRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.BillingRecord{}, model.ErrBillingNotFound
	}
	return scanBillingRecord(t.tx.QueryRow(ctx, `SELECT `+billingColumns+` FROM billing_records WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetBillingRecordByIntentForUpdate(ctx context.Context, paymentIntentID string) (model.BillingRecord, error) {
	if paymentIntentID == "" {
		return model.BillingRecord{}, model.ErrBillingNotFound
	}
	return scanBillingRecord(t.tx.QueryRow(ctx, `SELECT `+billingColumns+` FROM billing_records WHERE payment_intent_id = $1 FOR UPDATE`, paymentIntentID))
}

func (t *pgTx) UpdateBillingRecord(ctx context.Context, rec model.BillingRecord) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE billing_records
		SET status = $2,
			payment_intent_id = $3,
			paid_at = $4,
			updated_at = $5
		WHERE id = $1
	`, rec.ID, rec.Status, nullString(rec.PaymentIntentID), rec.PaidAt, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrBillingNotFound
	}
	return nil
}

func (t *pgTx) LockWebhookEvent(ctx context.Context, externalEventID string) (model.WebhookEvent, error) {
	var evt model.WebhookEvent
	err := t.tx.QueryRow(ctx, `
		SELECT external_event_id, provider, event_type, payload, processed, processed_at,
			COALESCE(processing_error, ''), created_at
		FROM webhook_events
		WHERE external_event_id = $1
		FOR UPDATE
	`, externalEventID).Scan(
		&evt.ExternalEventID,
		&evt.Provider,
		&evt.EventType,
		&evt.Payload,
		&evt.Processed,
		&evt.ProcessedAt,
		&evt.ProcessingError,
		&evt.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WebhookEvent{}, ErrNotFound
	}
	return evt, err
}

func (t *pgTx) MarkWebhookEventProcessed(ctx context.Context, externalEventID, processingError string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE webhook_events
		SET processed = true,
			processed_at = $2,
			processing_error = $3
		WHERE external_event_id = $1
	`, externalEventID, at, nullString(processingError))
	return err
}

func (t *pgTx) InsertOutboxEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

// mapWriteErr turns the bookings exclusion constraint into the domain conflict.
func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
		return model.ErrSlotBooked
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

var (
	_ Store = (*Postgres)(nil)
	_ Tx    = (*pgTx)(nil)
)
