// Package memstore is an in-memory storage.Store. Transactions are fully
// serialized and applied copy-on-commit, which gives the same guarantees the
// PostgreSQL exclusion constraint and row locks give.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/outbox"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
)

type state struct {
	bookings    map[string]model.Booking
	idempotency map[string]string
	templates   map[string]model.AvailabilityTemplate
	policies    map[string]model.DepositPolicy
	billing     map[string]model.BillingRecord
	webhooks    map[string]model.WebhookEvent
	outbox      []outbox.Event
}

func (s *state) clone() *state {
	out := &state{
		bookings:    make(map[string]model.Booking, len(s.bookings)),
		idempotency: make(map[string]string, len(s.idempotency)),
		templates:   make(map[string]model.AvailabilityTemplate, len(s.templates)),
		policies:    make(map[string]model.DepositPolicy, len(s.policies)),
		billing:     make(map[string]model.BillingRecord, len(s.billing)),
		webhooks:    make(map[string]model.WebhookEvent, len(s.webhooks)),
		outbox:      append([]outbox.Event(nil), s.outbox...),
	}
	for k, v := range s.bookings {
		out.bookings[k] = v
	}
	for k, v := range s.idempotency {
		out.idempotency[k] = v
	}
	for k, v := range s.templates {
		out.templates[k] = v
	}
	for k, v := range s.policies {
		out.policies[k] = v
	}
	for k, v := range s.billing {
		out.billing[k] = v
	}
	for k, v := range s.webhooks {
		out.webhooks[k] = v
	}
	return out
}

type Store struct {
	mu  sync.RWMutex
	cur *state
}

func New() *Store {
	return &Store{cur: (&state{}).clone()}
}

func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	next := s.cur.clone()
	if err := fn(&tx{view{next}}); err != nil {
		return err
	}
	s.cur = next
	return nil
}

func (s *Store) RecordWebhookEvent(_ context.Context, evt model.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cur.webhooks[evt.ExternalEventID]; ok {
		return false, nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	evt.Payload = append([]byte(nil), evt.Payload...)
	next := s.cur.clone()
	next.webhooks[evt.ExternalEventID] = evt
	s.cur = next
	return true, nil
}

// read returns the committed snapshot. Committed state is never mutated in
// place, so it stays valid after the lock is released.
func (s *Store) read() view {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{s.cur}
}

func (s *Store) GetAvailabilityTemplate(ctx context.Context, providerID string) (model.AvailabilityTemplate, bool, error) {
	return s.read().GetAvailabilityTemplate(ctx, providerID)
}

func (s *Store) GetDepositPolicy(ctx context.Context, providerID string) (model.DepositPolicy, bool, error) {
	return s.read().GetDepositPolicy(ctx, providerID)
}

func (s *Store) ListBusyIntervals(ctx context.Context, providerID string, start, end time.Time) ([]model.Booking, error) {
	return s.read().ListBusyIntervals(ctx, providerID, start, end)
}

func (s *Store) FindOverlapping(ctx context.Context, providerID string, start, end time.Time, excludeID string) ([]model.Booking, error) {
	return s.read().FindOverlapping(ctx, providerID, start, end, excludeID)
}

func (s *Store) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	return s.read().GetBooking(ctx, id)
}

func (s *Store) ListPendingBillingRecords(ctx context.Context, olderThan time.Time, limit int) ([]model.BillingRecord, error) {
	return s.read().ListPendingBillingRecords(ctx, olderThan, limit)
}

func (s *Store) FindPendingBillingRecord(ctx context.Context, bookingID string, typ model.PaymentType) (model.BillingRecord, bool, error) {
	return s.read().FindPendingBillingRecord(ctx, bookingID, typ)
}

// OutboxEvents returns every committed outbox event in insertion order.
func (s *Store) OutboxEvents() []outbox.Event {
	return append([]outbox.Event(nil), s.read().st.outbox...)
}

// WebhookEvent returns the ledger row for id.
func (s *Store) WebhookEvent(id string) (model.WebhookEvent, bool) {
	evt, ok := s.read().st.webhooks[id]
	return evt, ok
}

// WebhookEventCount returns the number of ledger rows.
func (s *Store) WebhookEventCount() int {
	return len(s.read().st.webhooks)
}

// BillingRecord returns a committed billing record.
func (s *Store) BillingRecord(id string) (model.BillingRecord, bool) {
	rec, ok := s.read().st.billing[id]
	return rec, ok
}

// Bookings returns all committed bookings ordered by start.
func (s *Store) Bookings() []model.Booking {
	st := s.read().st
	out := make([]model.Booking, 0, len(st.bookings))
	for _, b := range st.bookings {
		out = append(out, b)
	}
	sortByStart(out)
	return out
}

type view struct {
	st *state
}

func (v view) GetAvailabilityTemplate(_ context.Context, providerID string) (model.AvailabilityTemplate, bool, error) {
	tpl, ok := v.st.templates[providerID]
	return tpl, ok, nil
}

func (v view) GetDepositPolicy(_ context.Context, providerID string) (model.DepositPolicy, bool, error) {
	p, ok := v.st.policies[providerID]
	return p, ok, nil
}

func (v view) ListBusyIntervals(_ context.Context, providerID string, start, end time.Time) ([]model.Booking, error) {
	var out []model.Booking
	for _, b := range v.st.bookings {
		if b.ProviderID == providerID && b.Status.Busy() && b.StartAt.Before(end) && start.Before(b.EndAt) {
			out = append(out, b)
		}
	}
	sortByStart(out)
	return out, nil
}

func (v view) FindOverlapping(_ context.Context, providerID string, start, end time.Time, excludeID string) ([]model.Booking, error) {
	var out []model.Booking
	for _, b := range v.st.bookings {
		if b.ID == excludeID && excludeID != "" {
			continue
		}
		if b.ProviderID == providerID && b.Status.Active() && b.StartAt.Before(end) && start.Before(b.EndAt) {
			out = append(out, b)
		}
	}
	sortByStart(out)
	return out, nil
}

func (v view) GetBooking(_ context.Context, id string) (model.Booking, error) {
	b, ok := v.st.bookings[id]
	if !ok {
		return model.Booking{}, model.ErrBookingNotFound
	}
	return b, nil
}

func (v view) ListPendingBillingRecords(_ context.Context, olderThan time.Time, limit int) ([]model.BillingRecord, error) {
	var out []model.BillingRecord
	for _, rec := range v.st.billing {
		if rec.Status == model.BillingPending && rec.PaymentIntentID != "" && rec.CreatedAt.Before(olderThan) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v view) FindPendingBillingRecord(_ context.Context, bookingID string, typ model.PaymentType) (model.BillingRecord, bool, error) {
	var (
		out   model.BillingRecord
		found bool
	)
	for _, rec := range v.st.billing {
		if rec.BookingID != bookingID || rec.Type != typ || rec.Status != model.BillingPending {
			continue
		}
		if !found || rec.CreatedAt.After(out.CreatedAt) {
			out, found = rec, true
		}
	}
	return out, found, nil
}

type tx struct {
	view
}

func (t *tx) GetBookingForUpdate(ctx context.Context, id string) (model.Booking, error) {
	return t.GetBooking(ctx, id)
}

func (t *tx) InsertBooking(ctx context.Context, b model.Booking) error {
	if _, ok := t.st.bookings[b.ID]; ok {
		return storageDuplicate(b.ID)
	}
	if err := t.checkExclusion(b); err != nil {
		return err
	}
	t.st.bookings[b.ID] = b
	return nil
}

func (t *tx) UpdateBooking(ctx context.Context, b model.Booking) error {
	if _, ok := t.st.bookings[b.ID]; !ok {
		return model.ErrBookingNotFound
	}
	if err := t.checkExclusion(b); err != nil {
		return err
	}
	t.st.bookings[b.ID] = b
	return nil
}

// checkExclusion mirrors the bookings_no_overlap constraint.
func (t *tx) checkExclusion(b model.Booking) error {
	if !b.Status.Active() {
		return nil
	}
	for id, other := range t.st.bookings {
		if id == b.ID || other.ProviderID != b.ProviderID || !other.Status.Active() {
			continue
		}
		if other.StartAt.Before(b.EndAt) && b.StartAt.Before(other.EndAt) {
			return model.ErrSlotBooked
		}
	}
	return nil
}

func idempotencyKey(clientID, key string) string {
	return clientID + "\x00" + key
}

func (t *tx) LockIdempotencyKey(_ context.Context, clientID, key string) (string, error) {
	k := idempotencyKey(clientID, key)
	id, ok := t.st.idempotency[k]
	if !ok {
		t.st.idempotency[k] = ""
	}
	return id, nil
}

func (t *tx) FinalizeIdempotencyKey(_ context.Context, clientID, key, bookingID string) error {
	t.st.idempotency[idempotencyKey(clientID, key)] = bookingID
	return nil
}

func (t *tx) UpsertAvailabilityTemplate(_ context.Context, tpl model.AvailabilityTemplate) error {
	t.st.templates[tpl.ProviderID] = tpl
	return nil
}

func (t *tx) UpsertDepositPolicy(_ context.Context, p model.DepositPolicy) error {
	t.st.policies[p.ProviderID] = p
	return nil
}

func (t *tx) InsertBillingRecord(_ context.Context, rec model.BillingRecord) error {
	if _, ok := t.st.billing[rec.ID]; ok {
		return storageDuplicate(rec.ID)
	}
	t.st.billing[rec.ID] = rec
	return nil
}

func (t *tx) GetBillingRecordForUpdate(_ context.Context, id string) (model.BillingRecord, error) {
	rec, ok := t.st.billing[id]
	if !ok {
		return model.BillingRecord{}, model.ErrBillingNotFound
	}
	return rec, nil
}

func (t *tx) GetBillingRecordByIntentForUpdate(_ context.Context, paymentIntentID string) (model.BillingRecord, error) {
	if paymentIntentID != "" {
		for _, rec := range t.st.billing {
			if rec.PaymentIntentID == paymentIntentID {
				return rec, nil
			}
		}
	}
	return model.BillingRecord{}, model.ErrBillingNotFound
}

func (t *tx) UpdateBillingRecord(_ context.Context, rec model.BillingRecord) error {
	if _, ok := t.st.billing[rec.ID]; !ok {
		return model.ErrBillingNotFound
	}
	t.st.billing[rec.ID] = rec
	return nil
}

func (t *tx) LockWebhookEvent(_ context.Context, externalEventID string) (model.WebhookEvent, error) {
	evt, ok := t.st.webhooks[externalEventID]
	if !ok {
		return model.WebhookEvent{}, storage.ErrNotFound
	}
	return evt, nil
}

func (t *tx) MarkWebhookEventProcessed(_ context.Context, externalEventID, processingError string, at time.Time) error {
	evt, ok := t.st.webhooks[externalEventID]
	if !ok {
		return storage.ErrNotFound
	}
	evt.Processed = true
	evt.ProcessedAt = &at
	evt.ProcessingError = processingError
	t.st.webhooks[externalEventID] = evt
	return nil
}

func (t *tx) InsertOutboxEvent(_ context.Context, evt outbox.Event) error {
	t.st.outbox = append(t.st.outbox, evt)
	return nil
}

func storageDuplicate(id string) error {
	return fmt.Errorf("memstore: duplicate id %q", id)
}

func sortByStart(bs []model.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].StartAt.Equal(bs[j].StartAt) {
			return bs[i].ID < bs[j].ID
		}
		return bs[i].StartAt.Before(bs[j].StartAt)
	})
}

var (
	_ storage.Store = (*Store)(nil)
	_ storage.Tx    = (*tx)(nil)
)
