package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/interval"
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

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type invalidations struct {
	mu    sync.Mutex
	calls []string
}

func (i *invalidations) Invalidate(_ context.Context, providerID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, providerID)
}

type fixture struct {
	svc   *Service
	store *memstore.Store
	clock *clock
	inval *invalidations
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), clock: &clock{t: now}, inval: &invalidations{}}
	f.svc = NewService(f.store, f.inval, slog.New(slog.NewJSONHandler(io.Discard, nil)), f.clock.Now)
	return f
}

func (f *fixture) policy(t *testing.T, p model.DepositPolicy) {
	t.Helper()
	ctx := context.Background()
	p.ProviderID = provider
	require.NoError(t, f.store.InTx(ctx, func(tx storage.Tx) error { return tx.UpsertDepositPolicy(ctx, p) }))
}

func (f *fixture) consultation(t *testing.T, start time.Time) model.Booking {
	t.Helper()
	b, err := f.svc.Create(context.Background(), CreateInput{
		ProviderID: provider,
		ClientID:   client,
		Type:       model.AppointmentConsultation,
		StartAt:    start,
	})
	require.NoError(t, err)
	return b
}

// paidDeposit creates a booking and settles a deposit on it, leaving it confirmed.
func (f *fixture) paidDeposit(t *testing.T, start time.Time, cents int64) model.Booking {
	t.Helper()
	b := f.consultation(t, start)
	ctx := context.Background()
	var out model.Booking
	require.NoError(t, f.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = ApplyPayment(ctx, tx, b.ID, model.PaymentDeposit, cents, now)
		return err
	}))
	require.Equal(t, model.StatusConfirmed, out.Status)
	return out
}

func price(v int64) *int64 { return &v }

func TestCreate_ConsultationDurationClamp(t *testing.T) {
	f := newFixture(t)
	start := now.Add(72 * time.Hour)

	cases := []struct {
		minutes int
		want    time.Duration
	}{
		{0, 30 * time.Minute},
		{5, 15 * time.Minute},
		{45, 45 * time.Minute},
		{240, 60 * time.Minute},
	}
	for i, tc := range cases {
		b, err := f.svc.Create(context.Background(), CreateInput{
			ProviderID:      provider,
			ClientID:        client,
			Type:            model.AppointmentConsultation,
			StartAt:         start.Add(time.Duration(i) * 2 * time.Hour),
			DurationMinutes: tc.minutes,
		})
		require.NoError(t, err)
		assert.Equal(t, tc.want, b.EndAt.Sub(b.StartAt), "minutes=%d", tc.minutes)
		assert.Equal(t, model.StatusPending, b.Status)
		assert.Zero(t, b.DepositPaidCents)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := now.Add(72 * time.Hour)
	before := start.Add(-time.Hour)

	_, err := f.svc.Create(ctx, CreateInput{ProviderID: provider, ClientID: client, Type: "tattoo", StartAt: start})
	assert.ErrorIs(t, err, model.ErrInvalidType)

	_, err = f.svc.Create(ctx, CreateInput{ProviderID: provider, Type: model.AppointmentConsultation, StartAt: start})
	assert.ErrorIs(t, err, model.ErrMissingField)

	_, err = f.svc.Create(ctx, CreateInput{ProviderID: provider, ClientID: client, Type: model.AppointmentConsultation, StartAt: start, EndAt: &before})
	assert.ErrorIs(t, err, model.ErrInvalidTime)

	_, err = f.svc.Create(ctx, CreateInput{ProviderID: provider, ClientID: client, Type: model.AppointmentConsultation, StartAt: start, PriceCents: price(-1)})
	assert.ErrorIs(t, err, model.ErrInvalidPrice)
}

func TestCreate_SessionNeedsPolicyAndLength(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := now.Add(72 * time.Hour)

	in := CreateInput{ProviderID: provider, ClientID: client, Type: model.AppointmentSession, StartAt: start, DurationMinutes: 180, PriceCents: price(10000)}
	_, err := f.svc.Create(ctx, in)
	require.ErrorIs(t, err, model.ErrDepositPolicyMissing)

	f.policy(t, model.DepositPolicy{Mode: model.DepositPercent, Percent: 0.2, MinCents: 1000})

	b, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), b.DepositRequiredCents)
	assert.Equal(t, 3*time.Hour, b.EndAt.Sub(b.StartAt))

	in.StartAt = start.Add(24 * time.Hour)
	in.DurationMinutes = 13 * 60
	_, err = f.svc.Create(ctx, in)
	assert.ErrorIs(t, err, model.ErrInvalidDuration)

	in.DurationMinutes = 0
	_, err = f.svc.Create(ctx, in)
	assert.ErrorIs(t, err, model.ErrInvalidDuration)
}

func TestCreate_RejectsOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := now.Add(72 * time.Hour)

	first := f.consultation(t, start)

	_, err := f.svc.Create(ctx, CreateInput{ProviderID: provider, ClientID: "client-2", Type: model.AppointmentConsultation, StartAt: start.Add(10 * time.Minute)})
	require.ErrorIs(t, err, model.ErrSlotBooked)

	// Back-to-back is fine.
	f.consultation(t, first.EndAt)

	// A cancelled booking frees its window.
	_, err = f.svc.Cancel(ctx, first.ID, client, "")
	require.NoError(t, err)
	f.consultation(t, start)
}

func TestCreate_ConcurrentOverlapsNeverBothSucceed(t *testing.T) {
	f := newFixture(t)
	start := now.Add(72 * time.Hour)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), CreateInput{
				ProviderID: provider,
				ClientID:   client,
				Type:       model.AppointmentConsultation,
				StartAt:    start.Add(time.Duration(i%3) * 10 * time.Minute),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrSlotBooked):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, conflicts)

	active := f.store.Bookings()
	for i := range active {
		for j := i + 1; j < len(active); j++ {
			a := interval.Interval{Start: active[i].StartAt, End: active[i].EndAt}
			b := interval.Interval{Start: active[j].StartAt, End: active[j].EndAt}
			assert.False(t, interval.Overlaps(a, b))
		}
	}
}

func TestCreate_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := CreateInput{ProviderID: provider, ClientID: client, Type: model.AppointmentConsultation, StartAt: now.Add(72 * time.Hour), IdempotencyKey: "req-1"}

	first, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.store.Bookings(), 1)
	assert.Len(t, f.store.OutboxEvents(), 1)
}

func TestCancel_ForfeitureScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	late := f.paidDeposit(t, now.Add(24*time.Hour), 2000)
	got, err := f.svc.Cancel(ctx, late.ID, client, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Zero(t, got.DepositPaidCents)
	assert.Equal(t, client, got.CancelledBy)
	assert.Equal(t, "changed my mind", got.CancellationReason)
	require.NotNil(t, got.CancelledAt)

	early := f.paidDeposit(t, now.Add(72*time.Hour), 2000)
	got, err = f.svc.Cancel(ctx, early.ID, provider, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.DepositPaidCents)
}

func TestCancel_CutoffBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	atCutoff := f.paidDeposit(t, now.Add(48*time.Hour), 1500)
	got, err := f.svc.Cancel(ctx, atCutoff.ID, client, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.DepositPaidCents, "exactly at the cutoff keeps the deposit")

	inside := f.paidDeposit(t, now.Add(72*time.Hour), 1500)
	f.clock.Set(inside.StartAt.Add(-48*time.Hour + time.Second))
	got, err = f.svc.Cancel(ctx, inside.ID, client, "")
	require.NoError(t, err)
	assert.Zero(t, got.DepositPaidCents, "one second inside the cutoff forfeits")
}

func TestCancel_UsesProviderCutoff(t *testing.T) {
	f := newFixture(t)
	f.policy(t, model.DepositPolicy{Mode: model.DepositFlat, AmountCents: 1000, CutoffHours: 12})

	b := f.paidDeposit(t, now.Add(24*time.Hour), 1000)
	got, err := f.svc.Cancel(context.Background(), b.ID, client, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.DepositPaidCents)
}

func TestCancel_IdempotentAndGuarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.consultation(t, now.Add(72*time.Hour))

	_, err := f.svc.Cancel(ctx, b.ID, "stranger", "")
	require.ErrorIs(t, err, model.ErrForbidden)

	first, err := f.svc.Cancel(ctx, b.ID, client, "first")
	require.NoError(t, err)
	again, err := f.svc.Cancel(ctx, b.ID, provider, "second")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	cancelled := 0
	for _, evt := range f.store.OutboxEvents() {
		if evt.EventType == outbox.BookingCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)

	_, err = f.svc.Cancel(ctx, "missing", client, "")
	assert.ErrorIs(t, err, model.ErrBookingNotFound)
}

func TestCancel_TerminalStatesRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.paidDeposit(t, now.Add(time.Hour), 1000)

	f.clock.Set(b.StartAt.Add(10 * time.Minute))
	_, err := f.svc.MarkNoShow(ctx, b.ID, provider, "")
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, b.ID, client, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.paidDeposit(t, now.Add(72*time.Hour), 2000)
	other := f.consultation(t, now.Add(96*time.Hour))

	_, err := f.svc.Reschedule(ctx, RescheduleInput{BookingID: b.ID, ActorID: "stranger", StartAt: now.Add(80 * time.Hour)})
	require.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.svc.Reschedule(ctx, RescheduleInput{BookingID: b.ID, ActorID: client, StartAt: other.StartAt.Add(-10 * time.Minute)})
	require.ErrorIs(t, err, model.ErrSlotBooked)
	unchanged, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.StartAt, unchanged.StartAt)

	// Overlapping its own current window is not a conflict.
	moved, err := f.svc.Reschedule(ctx, RescheduleInput{BookingID: b.ID, ActorID: provider, StartAt: b.StartAt.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, b.StartAt.Add(10*time.Minute), moved.StartAt)
	assert.Equal(t, b.EndAt.Sub(b.StartAt), moved.EndAt.Sub(moved.StartAt))
	require.NotNil(t, moved.RescheduledFrom)
	assert.Equal(t, b.StartAt, *moved.RescheduledFrom)
	assert.Equal(t, provider, moved.RescheduledBy)
	assert.Equal(t, int64(2000), moved.DepositPaidCents, "old start was 72h away")
	assert.Equal(t, model.StatusConfirmed, moved.Status)
}

func TestReschedule_ForfeitsOnOldStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.paidDeposit(t, now.Add(24*time.Hour), 2000)
	end := now.Add(200*time.Hour + 45*time.Minute)
	moved, err := f.svc.Reschedule(ctx, RescheduleInput{BookingID: b.ID, ActorID: client, StartAt: now.Add(200 * time.Hour), EndAt: &end})
	require.NoError(t, err)
	assert.Zero(t, moved.DepositPaidCents, "old start was inside the cutoff even though the new one is not")
	assert.Equal(t, 45*time.Minute, moved.EndAt.Sub(moved.StartAt))

	cancelled, err := f.svc.Cancel(ctx, b.ID, client, "")
	require.NoError(t, err)
	_, err = f.svc.Reschedule(ctx, RescheduleInput{BookingID: cancelled.ID, ActorID: client, StartAt: now.Add(300 * time.Hour)})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestReschedule_CutoffBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	atCutoff := f.paidDeposit(t, now.Add(48*time.Hour), 1500)
	moved, err := f.svc.Reschedule(ctx, RescheduleInput{BookingID: atCutoff.ID, ActorID: client, StartAt: now.Add(200 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), moved.DepositPaidCents, "old start exactly at the cutoff keeps the deposit")

	inside := f.paidDeposit(t, now.Add(72*time.Hour), 1500)
	f.clock.Set(inside.StartAt.Add(-48*time.Hour + time.Second))
	moved, err = f.svc.Reschedule(ctx, RescheduleInput{BookingID: inside.ID, ActorID: client, StartAt: now.Add(300 * time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, moved.DepositPaidCents, "old start one second inside the cutoff forfeits")
}

func TestMarkNoShow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.paidDeposit(t, now.Add(time.Hour), 2000)

	_, err := f.svc.MarkNoShow(ctx, b.ID, provider, "")
	require.ErrorIs(t, err, model.ErrNoShowBeforeStart, "future appointment")

	f.clock.Set(b.StartAt)
	_, err = f.svc.MarkNoShow(ctx, b.ID, client, "")
	require.ErrorIs(t, err, model.ErrForbidden)

	got, err := f.svc.MarkNoShow(ctx, b.ID, provider, "did not show up")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoShow, got.Status)
	assert.Zero(t, got.DepositPaidCents)
	require.NotNil(t, got.NoShowMarkedAt)
	assert.Equal(t, b.StartAt, *got.NoShowMarkedAt)
	assert.Equal(t, "did not show up", got.NoShowReason)
}

func TestMarkNoShow_FutureAlwaysFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.consultation(t, now.Add(2*time.Hour))

	// The time guard runs before the status check.
	_, err := f.svc.MarkNoShow(ctx, pending.ID, provider, "")
	assert.ErrorIs(t, err, model.ErrNoShowBeforeStart)

	f.clock.Set(pending.StartAt.Add(time.Minute))
	_, err = f.svc.MarkNoShow(ctx, pending.ID, provider, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "pending bookings cannot become no-shows")
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.consultation(t, now.Add(2*time.Hour))
	_, err := f.svc.Complete(ctx, pending.ID, provider)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	b := f.paidDeposit(t, now.Add(5*time.Hour), 1000)
	_, err = f.svc.Complete(ctx, b.ID, client)
	require.ErrorIs(t, err, model.ErrForbidden)

	done, err := f.svc.Complete(ctx, b.ID, provider)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	again, err := f.svc.Complete(ctx, b.ID, provider)
	require.NoError(t, err)
	assert.Equal(t, done, again)
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.consultation(t, now.Add(2*time.Hour))

	got, err := f.svc.Get(ctx, b.ID, provider)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = f.svc.Get(ctx, b.ID, "stranger")
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestTransitionsEmitEventsAndInvalidateSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.paidDeposit(t, now.Add(72*time.Hour), 1000)
	_, err := f.svc.Reschedule(ctx, RescheduleInput{BookingID: b.ID, ActorID: client, StartAt: now.Add(80 * time.Hour)})
	require.NoError(t, err)
	f.clock.Set(now.Add(81 * time.Hour))
	_, err = f.svc.Complete(ctx, b.ID, provider)
	require.NoError(t, err)

	var types []string
	for _, evt := range f.store.OutboxEvents() {
		assert.Equal(t, b.ID, evt.AggregateID)
		types = append(types, evt.EventType)
	}
	assert.Equal(t, []string{outbox.BookingCreated, outbox.BookingConfirmed, outbox.BookingRescheduled, outbox.BookingCompleted}, types)
	assert.Equal(t, []string{provider, provider, provider}, f.inval.calls)
}
