package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/booking"
	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/outbox"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	provider = "artist-1"
	client   = "client-1"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu      sync.Mutex
	created []IntentRequest
	status  map[string]string
	err     error
	// onCreate runs after an intent is created, before the caller records it.
	onCreate func()
}

func (g *fakeGateway) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	g.mu.Lock()
	if g.err != nil {
		g.mu.Unlock()
		return Intent{}, g.err
	}
	g.created = append(g.created, req)
	id := fmt.Sprintf("pi_%d", len(g.created))
	hook := g.onCreate
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return Intent{ID: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}, nil
}

func (g *fakeGateway) GetIntent(_ context.Context, id string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Intent{ID: id, ClientSecret: id + "_secret", Status: g.status[id]}, nil
}

type fixture struct {
	store    *memstore.Store
	bookings *booking.Service
	rec      *Reconciler
	gateway  *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	clock := func() time.Time { return now }
	f := &fixture{store: memstore.New(), gateway: &fakeGateway{status: map[string]string{}}}
	f.bookings = booking.NewService(f.store, nil, logger, clock)
	f.rec = NewReconciler(f.store, f.gateway, logger, Config{Currency: "USD", Now: clock})

	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertDepositPolicy(ctx, model.DepositPolicy{
			ProviderID: provider,
			Mode:       model.DepositPercent,
			Percent:    0.2,
			MinCents:   1000,
		})
	}))
	return f
}

func (f *fixture) session(t *testing.T, offset time.Duration, price *int64) model.Booking {
	t.Helper()
	b, err := f.bookings.Create(context.Background(), booking.CreateInput{
		ProviderID:      provider,
		ClientID:        client,
		Type:            model.AppointmentSession,
		StartAt:         now.Add(offset),
		DurationMinutes: 120,
		PriceCents:      price,
	})
	require.NoError(t, err)
	return b
}

func succeeded(id string, intent IntentResult) Event {
	return Event{
		ID:              id,
		Type:            EventPaymentSucceeded,
		PaymentIntentID: intent.PaymentIntentID,
		AmountCents:     intent.AmountCents,
		Metadata: map[string]string{
			MetaBillingRecordID: intent.BillingRecordID,
			MetaBookingID:       intent.BookingID,
			MetaPaymentType:     string(intent.PaymentType),
		},
	}
}

func cents(v int64) *int64 { return &v }

func TestDepositScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.session(t, 96*time.Hour, cents(10000))
	require.Equal(t, int64(2000), b.DepositRequiredCents)

	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), intent.AmountCents)
	assert.Equal(t, "usd", intent.Currency)
	assert.NotEmpty(t, intent.ClientSecret)

	rec, ok := f.store.BillingRecord(intent.BillingRecordID)
	require.True(t, ok)
	assert.Equal(t, model.BillingPending, rec.Status)
	assert.Equal(t, int64(2000), rec.AmountCents)
	assert.Equal(t, model.PaymentDeposit, rec.Type)

	require.Len(t, f.gateway.created, 1)
	assert.Equal(t, intent.BillingRecordID, f.gateway.created[0].IdempotencyKey)
	assert.Equal(t, intent.BillingRecordID, f.gateway.created[0].Metadata[MetaBillingRecordID])

	res, err := f.rec.HandleWebhookEvent(ctx, succeeded("evt_1", intent))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.AlreadyProcessed)

	got, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.Equal(t, int64(2000), got.DepositPaidCents)

	res, err = f.rec.HandleWebhookEvent(ctx, succeeded("evt_1", intent))
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)

	again, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestWebhookReplayAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))
	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)

	var states []model.Booking
	for i := 0; i < 5; i++ {
		_, err := f.rec.HandleWebhookEvent(ctx, succeeded("evt_replay", intent))
		require.NoError(t, err)
		got, err := f.store.GetBooking(ctx, b.ID)
		require.NoError(t, err)
		states = append(states, got)
	}

	assert.Equal(t, 1, f.store.WebhookEventCount())
	for _, s := range states {
		assert.Equal(t, states[0], s)
	}
	assert.Equal(t, int64(2000), states[0].DepositPaidCents)

	payments := 0
	for _, evt := range f.store.OutboxEvents() {
		if evt.EventType == outbox.PaymentSucceeded {
			payments++
		}
	}
	assert.Equal(t, 1, payments)
}

func TestWebhookConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))
	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)

	const deliveries = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.rec.HandleWebhookEvent(ctx, succeeded("evt_race", intent))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	got, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.DepositPaidCents)
}

func TestDistinctEventsForSameIntentApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))
	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)

	first, err := f.rec.HandleWebhookEvent(ctx, succeeded("evt_a", intent))
	require.NoError(t, err)
	second, err := f.rec.HandleWebhookEvent(ctx, succeeded("evt_b", intent))
	require.NoError(t, err)

	assert.True(t, first.Applied)
	assert.False(t, second.Applied)
	assert.False(t, second.AlreadyProcessed)
	got, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.DepositPaidCents)
}

func TestWebhookBusinessRejectionIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.rec.HandleWebhookEvent(ctx, Event{ID: "evt_orphan", Type: EventPaymentSucceeded, PaymentIntentID: "pi_unknown"})
	require.NoError(t, err)
	assert.Contains(t, res.Rejected, "billing_record_not_found")

	ledger, ok := f.store.WebhookEvent("evt_orphan")
	require.True(t, ok)
	assert.True(t, ledger.Processed)
	assert.NotEmpty(t, ledger.ProcessingError)

	res, err = f.rec.HandleWebhookEvent(ctx, Event{ID: "evt_orphan", Type: EventPaymentSucceeded})
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
}

func TestWebhookIgnoresFailuresAndUnknownTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))
	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)

	for i, typ := range []string{EventPaymentFailed, "customer.created"} {
		evt := succeeded(fmt.Sprintf("evt_other_%d", i), intent)
		evt.Type = typ
		res, err := f.rec.HandleWebhookEvent(ctx, evt)
		require.NoError(t, err)
		assert.False(t, res.Applied)
	}

	rec, _ := f.store.BillingRecord(intent.BillingRecordID)
	assert.Equal(t, model.BillingPending, rec.Status)
	got, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

// flakyStore fails the first transaction to simulate a database outage.
type flakyStore struct {
	*memstore.Store
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	fail := s.fails > 0
	if fail {
		s.fails--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.Store.InTx(ctx, fn)
}

func TestWebhookInfrastructureFailureStaysRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))
	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)

	flaky := &flakyStore{Store: f.store, fails: 1}
	rec := NewReconciler(flaky, f.gateway, slog.New(slog.NewJSONHandler(io.Discard, nil)), Config{Now: func() time.Time { return now }})

	_, err = rec.HandleWebhookEvent(ctx, succeeded("evt_retry", intent))
	require.Error(t, err)
	ledger, ok := f.store.WebhookEvent("evt_retry")
	require.True(t, ok, "event is recorded before processing")
	assert.False(t, ledger.Processed)

	res, err := rec.HandleWebhookEvent(ctx, succeeded("evt_retry", intent))
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestDepositIntentErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))

	_, err := f.rec.RequestDepositIntent(ctx, b.ID, "someone-else")
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.rec.RequestDepositIntent(ctx, "missing", client)
	assert.ErrorIs(t, err, model.ErrBookingNotFound)

	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)
	_, err = f.rec.HandleWebhookEvent(ctx, succeeded("evt_paid", intent))
	require.NoError(t, err)

	_, err = f.rec.RequestDepositIntent(ctx, b.ID, client)
	assert.ErrorIs(t, err, model.ErrDepositAlreadyPaid)

	// No policy for this provider: consultation requires no deposit.
	other, err := f.bookings.Create(ctx, booking.CreateInput{ProviderID: "artist-2", ClientID: client, Type: model.AppointmentConsultation, StartAt: now.Add(96 * time.Hour)})
	require.NoError(t, err)
	_, err = f.rec.RequestDepositIntent(ctx, other.ID, client)
	assert.ErrorIs(t, err, model.ErrNoPaymentRequired)
}

func TestDepositIntentReusedWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))

	first, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)
	second, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)

	assert.Equal(t, first.BillingRecordID, second.BillingRecordID)
	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.Equal(t, first.ClientSecret, second.ClientSecret)
	assert.Equal(t, int64(2000), second.AmountCents)
	assert.Len(t, f.gateway.created, 1)

	for _, id := range []string{"evt_first", "evt_second"} {
		_, err := f.rec.HandleWebhookEvent(ctx, succeeded(id, second))
		require.NoError(t, err)
	}
	got, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, got.DepositRequiredCents, got.DepositPaidCents)
}

func TestDepositIntentReplacesCanceledIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))

	first, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)
	f.gateway.status[first.PaymentIntentID] = IntentCanceled

	second, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)
	assert.NotEqual(t, first.BillingRecordID, second.BillingRecordID)
	assert.Len(t, f.gateway.created, 2)

	old, ok := f.store.BillingRecord(first.BillingRecordID)
	require.True(t, ok)
	assert.Equal(t, model.BillingCanceled, old.Status)

	res, err := f.rec.HandleWebhookEvent(ctx, succeeded("evt_stale", first))
	require.NoError(t, err)
	assert.False(t, res.Applied, "a canceled record never settles")

	third, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)
	assert.Equal(t, second.BillingRecordID, third.BillingRecordID)
}

func TestDepositIntentRacingRequestRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))

	// Another request records its own intent while this one talks to the gateway.
	f.gateway.onCreate = func() {
		require.NoError(t, f.store.InTx(ctx, func(tx storage.Tx) error {
			return tx.InsertBillingRecord(ctx, model.BillingRecord{
				ID:              "rec-winner",
				BookingID:       b.ID,
				ProviderID:      provider,
				ClientID:        client,
				Type:            model.PaymentDeposit,
				AmountCents:     2000,
				Currency:        "usd",
				Status:          model.BillingPending,
				PaymentIntentID: "pi_winner",
				CreatedAt:       now,
				UpdatedAt:       now,
			})
		}))
	}

	_, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	assert.ErrorIs(t, err, model.ErrPaymentInFlight)

	f.gateway.onCreate = nil
	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)
	assert.Equal(t, "rec-winner", intent.BillingRecordID)
}

func TestFinalPaymentIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))

	_, err := f.rec.RequestFinalPaymentIntent(ctx, b.ID, client)
	require.ErrorIs(t, err, model.ErrDepositNotPaid)

	deposit, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)
	_, err = f.rec.HandleWebhookEvent(ctx, succeeded("evt_deposit", deposit))
	require.NoError(t, err)

	final, err := f.rec.RequestFinalPaymentIntent(ctx, b.ID, client)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), final.AmountCents)
	assert.Equal(t, int64(2000), final.DepositAppliedCents)
	rec, ok := f.store.BillingRecord(final.BillingRecordID)
	require.True(t, ok)
	assert.Equal(t, model.PaymentFinal, rec.Type)
	assert.Equal(t, int64(2000), rec.DepositAppliedCents)

	_, err = f.rec.HandleWebhookEvent(ctx, succeeded("evt_final", final))
	require.NoError(t, err)
	got, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), got.FinalPaidCents)
	assert.Equal(t, model.StatusConfirmed, got.Status)

	_, err = f.rec.RequestFinalPaymentIntent(ctx, b.ID, client)
	assert.ErrorIs(t, err, model.ErrNoPaymentRequired)
}

func TestFinalPaymentIntent_PriceEdgeCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unpriced := f.session(t, 96*time.Hour, nil)
	require.Equal(t, int64(1000), unpriced.DepositRequiredCents)
	deposit, err := f.rec.RequestDepositIntent(ctx, unpriced.ID, client)
	require.NoError(t, err)
	_, err = f.rec.HandleWebhookEvent(ctx, succeeded("evt_unpriced", deposit))
	require.NoError(t, err)
	_, err = f.rec.RequestFinalPaymentIntent(ctx, unpriced.ID, client)
	assert.ErrorIs(t, err, model.ErrPriceNotSet)

	cheap := f.session(t, 120*time.Hour, cents(1000))
	deposit, err = f.rec.RequestDepositIntent(ctx, cheap.ID, client)
	require.NoError(t, err)
	_, err = f.rec.HandleWebhookEvent(ctx, succeeded("evt_cheap", deposit))
	require.NoError(t, err)
	_, err = f.rec.RequestFinalPaymentIntent(ctx, cheap.ID, client)
	assert.ErrorIs(t, err, model.ErrNoPaymentRequired)
}

func TestRefundMarksRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))
	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)
	_, err = f.rec.HandleWebhookEvent(ctx, succeeded("evt_pay", intent))
	require.NoError(t, err)

	res, err := f.rec.HandleWebhookEvent(ctx, Event{ID: "evt_refund", Type: EventChargeRefunded, PaymentIntentID: intent.PaymentIntentID})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	rec, _ := f.store.BillingRecord(intent.BillingRecordID)
	assert.Equal(t, model.BillingRefunded, rec.Status)
}

func TestSweepSettlesMissedWebhooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))
	intent, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.NoError(t, err)

	n, err := f.rec.Sweep(ctx, -time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "intent has not succeeded yet")

	f.gateway.status[intent.PaymentIntentID] = IntentSucceeded
	n, err = f.rec.Sweep(ctx, -time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)

	// A late webhook for the swept intent changes nothing.
	res, err := f.rec.HandleWebhookEvent(ctx, succeeded("evt_late", intent))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	again, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), again.DepositPaidCents)
}

func TestGatewayFailureCreatesNoRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.session(t, 96*time.Hour, cents(10000))
	f.gateway.err = errors.New("stripe unavailable")

	_, err := f.rec.RequestDepositIntent(ctx, b.ID, client)
	require.Error(t, err)
	_, isDomain := model.AsError(err)
	assert.False(t, isDomain)

	pending, err := f.store.ListPendingBillingRecords(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
