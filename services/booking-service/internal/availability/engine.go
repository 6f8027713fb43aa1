// Package availability turns a provider's weekly template and date exceptions
// into concrete open slots for a calendar day.
package availability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inkslot/inkslot/libs/cache"
	"github.com/inkslot/inkslot/services/booking-service/internal/interval"
	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
)

const dateLayout = "2006-01-02"

// Defaults apply to providers that never saved a template, and to weekdays a
// template leaves unconfigured.
type Defaults struct {
	Timezone    string
	SlotMinutes int
	OpenStart   string
	OpenEnd     string
}

type Slot struct {
	StartISO string `json:"startISO"`
	EndISO   string `json:"endISO"`
}

type Engine struct {
	store    storage.Store
	cache    cache.Cache
	ttl      time.Duration
	defaults Defaults
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store storage.Store, c cache.Cache, ttl time.Duration, defaults Defaults, logger *slog.Logger, opts ...Option) *Engine {
	if c == nil {
		c = cache.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(defaults.Timezone) == "" {
		defaults.Timezone = "UTC"
	}
	if defaults.SlotMinutes <= 0 {
		defaults.SlotMinutes = 60
	}
	defaults.SlotMinutes = model.ClampSlotMinutes(defaults.SlotMinutes)
	if defaults.OpenStart == "" || defaults.OpenEnd == "" {
		defaults.OpenStart, defaults.OpenEnd = "09:00", "17:00"
	}
	e := &Engine{
		store:    store,
		cache:    c,
		ttl:      ttl,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func cacheKey(providerID, gen, date string) string {
	return cachePrefix(providerID) + gen + ":" + date
}

func cachePrefix(providerID string) string {
	return "slots:" + providerID + ":"
}

// generationKey lives outside cachePrefix so prefix invalidation keeps it.
func generationKey(providerID string) string {
	return "slotgen:" + providerID
}

// generation returns the provider's current listing generation. ok is false
// when it cannot be read, in which case the listing must not be cached.
func (e *Engine) generation(ctx context.Context, providerID string) (string, bool) {
	raw, err := e.cache.Get(ctx, generationKey(providerID))
	switch {
	case err == nil:
		return string(raw), true
	case errors.Is(err, cache.ErrMiss):
		return "0", true
	default:
		e.logger.Warn("slot cache generation read failed", "provider_id", providerID, "err", err)
		return "", false
	}
}

// ListOpenSlots returns the free slots of providerID on date (YYYY-MM-DD, read
// in the provider's timezone), in chronological order.
func (e *Engine) ListOpenSlots(ctx context.Context, providerID, date string) ([]Slot, error) {
	providerID = strings.TrimSpace(providerID)
	day, err := time.Parse(dateLayout, strings.TrimSpace(date))
	if err != nil {
		return nil, model.Invalid(model.ErrInvalidDate, "invalid date %q, expected YYYY-MM-DD", date)
	}
	date = day.Format(dateLayout)

	// The generation is read before the store so a listing computed from data
	// that an Invalidate has since superseded lands under a dead key.
	gen, cacheable := e.generation(ctx, providerID)
	key := cacheKey(providerID, gen, date)
	if cacheable {
		if raw, err := e.cache.Get(ctx, key); err == nil {
			var slots []Slot
			if err := json.Unmarshal(raw, &slots); err == nil {
				return slots, nil
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			e.logger.Warn("slot cache read failed", "provider_id", providerID, "err", err)
		}
	}

	tpl, err := e.GetTemplate(ctx, providerID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tpl.Timezone)
	if err != nil {
		e.logger.Warn("stored timezone invalid; using default", "provider_id", providerID, "timezone", tpl.Timezone)
		loc, err = time.LoadLocation(e.defaults.Timezone)
		if err != nil {
			loc = time.UTC
		}
	}

	candidates := interval.ExpandToSlots(
		interval.DayIntervals(day, loc, e.rangesFor(tpl, day)),
		model.ClampSlotMinutes(tpl.SlotMinutes),
	)

	slots := []Slot{}
	if span, ok := interval.Span(candidates); ok {
		booked, err := e.store.ListBusyIntervals(ctx, providerID, span.Start, span.End)
		if err != nil {
			return nil, err
		}
		busy := make([]interval.Interval, 0, len(booked))
		for _, b := range booked {
			busy = append(busy, interval.Interval{Start: b.StartAt, End: b.EndAt})
		}
		for _, c := range candidates {
			if interval.OverlapsAny(c, busy) {
				continue
			}
			slots = append(slots, Slot{
				StartISO: c.Start.UTC().Format(time.RFC3339),
				EndISO:   c.End.UTC().Format(time.RFC3339),
			})
		}
	}

	if !cacheable {
		return slots, nil
	}
	if raw, err := json.Marshal(slots); err == nil {
		if err := e.cache.Set(ctx, key, raw, e.ttl); err != nil {
			e.logger.Warn("slot cache write failed", "provider_id", providerID, "err", err)
		}
	}
	return slots, nil
}

// rangesFor resolves the source ranges for one date: an exception replaces the
// weekly ranges outright, even when empty.
func (e *Engine) rangesFor(tpl model.AvailabilityTemplate, day time.Time) []model.ClockRange {
	if ranges, ok := tpl.Exceptions[day.Format(dateLayout)]; ok {
		return ranges
	}
	if ranges := tpl.Weekly[day.Weekday()]; ranges != nil {
		return ranges
	}
	return []model.ClockRange{{Start: e.defaults.OpenStart, End: e.defaults.OpenEnd}}
}

// GetTemplate returns the stored template, or one built from defaults.
func (e *Engine) GetTemplate(ctx context.Context, providerID string) (model.AvailabilityTemplate, error) {
	tpl, ok, err := e.store.GetAvailabilityTemplate(ctx, providerID)
	if err != nil {
		return model.AvailabilityTemplate{}, err
	}
	if !ok {
		return model.AvailabilityTemplate{
			ProviderID:  providerID,
			Timezone:    e.defaults.Timezone,
			SlotMinutes: e.defaults.SlotMinutes,
			Exceptions:  map[string][]model.ClockRange{},
		}, nil
	}
	if tpl.Timezone == "" {
		tpl.Timezone = e.defaults.Timezone
	}
	if tpl.SlotMinutes <= 0 {
		tpl.SlotMinutes = e.defaults.SlotMinutes
	}
	return tpl, nil
}

// PutTemplate validates and stores a provider's template. Only the provider
// may change it.
func (e *Engine) PutTemplate(ctx context.Context, actorID string, tpl model.AvailabilityTemplate) (model.AvailabilityTemplate, error) {
	tpl.ProviderID = strings.TrimSpace(tpl.ProviderID)
	if tpl.ProviderID == "" {
		return model.AvailabilityTemplate{}, model.Invalid(model.ErrMissingField, "provider_id is required")
	}
	if actorID == "" || actorID != tpl.ProviderID {
		return model.AvailabilityTemplate{}, model.ErrForbidden
	}

	tpl.Timezone = strings.TrimSpace(tpl.Timezone)
	if tpl.Timezone == "" {
		tpl.Timezone = e.defaults.Timezone
	}
	if _, err := time.LoadLocation(tpl.Timezone); err != nil {
		return model.AvailabilityTemplate{}, model.Invalid(model.ErrInvalidTemplate, "unknown timezone %q", tpl.Timezone)
	}
	if tpl.SlotMinutes <= 0 {
		tpl.SlotMinutes = e.defaults.SlotMinutes
	}
	tpl.SlotMinutes = model.ClampSlotMinutes(tpl.SlotMinutes)

	for d, ranges := range tpl.Weekly {
		if err := validateRanges(ranges); err != nil {
			return model.AvailabilityTemplate{}, model.Invalid(model.ErrInvalidTemplate, "%s: %v", model.WeekdayKey(time.Weekday(d)), err)
		}
	}
	if tpl.Exceptions == nil {
		tpl.Exceptions = map[string][]model.ClockRange{}
	}
	for date, ranges := range tpl.Exceptions {
		if _, err := time.Parse(dateLayout, date); err != nil {
			return model.AvailabilityTemplate{}, model.Invalid(model.ErrInvalidTemplate, "exception date %q must be YYYY-MM-DD", date)
		}
		if ranges == nil {
			tpl.Exceptions[date] = []model.ClockRange{}
		}
		if err := validateRanges(ranges); err != nil {
			return model.AvailabilityTemplate{}, model.Invalid(model.ErrInvalidTemplate, "%s: %v", date, err)
		}
	}
	tpl.UpdatedAt = e.now().UTC()

	if err := e.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertAvailabilityTemplate(ctx, tpl)
	}); err != nil {
		return model.AvailabilityTemplate{}, err
	}
	e.Invalidate(ctx, tpl.ProviderID)
	return tpl, nil
}

// Invalidate drops every cached slot listing of the provider. Bumping the
// generation first also orphans listings that are still being computed.
func (e *Engine) Invalidate(ctx context.Context, providerID string) {
	if err := e.cache.Set(ctx, generationKey(providerID), []byte(uuid.NewString()), 0); err != nil {
		e.logger.Warn("slot cache generation bump failed", "provider_id", providerID, "err", err)
	}
	if err := e.cache.InvalidatePrefix(ctx, cachePrefix(providerID)); err != nil {
		e.logger.Warn("slot cache invalidation failed", "provider_id", providerID, "err", err)
	}
}

func validateRanges(ranges []model.ClockRange) error {
	for _, r := range ranges {
		start, err := interval.ParseClockTime(r.Start)
		if err != nil {
			return err
		}
		end, err := interval.ParseClockTime(r.End)
		if err != nil {
			return err
		}
		if end <= start {
			return errors.New("range end must be after start")
		}
	}
	return nil
}
