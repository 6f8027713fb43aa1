// Package interval holds the pure, timezone-aware interval arithmetic used to
// turn wall-clock availability into absolute bookable slots.
package interval

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/model"
)

// Interval is half-open: [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// ParseClockTime parses "HH:MM" into minutes since midnight. "24:00" is
// accepted as the end of day.
func ParseClockTime(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	mins, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	if hours < 0 || mins < 0 || mins > 59 || hours > 24 || (hours == 24 && mins != 0) {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return hours*60 + mins, nil
}

// DayIntervals resolves local clock ranges on a calendar date into absolute
// intervals. Ranges that do not parse or whose end is not after their start
// are skipped.
func DayIntervals(date time.Time, loc *time.Location, ranges []model.ClockRange) []Interval {
	y, mo, d := date.Date()
	out := make([]Interval, 0, len(ranges))
	for _, r := range ranges {
		startMin, err := ParseClockTime(r.Start)
		if err != nil {
			continue
		}
		endMin, err := ParseClockTime(r.End)
		if err != nil {
			continue
		}
		if endMin <= startMin {
			continue
		}
		// time.Date normalizes wall clock per zone, so DST days come out at the right instants.
		start := time.Date(y, mo, d, startMin/60, startMin%60, 0, 0, loc)
		end := time.Date(y, mo, d, endMin/60, endMin%60, 0, 0, loc)
		if !end.After(start) {
			continue
		}
		out = append(out, Interval{Start: start, End: end})
	}
	return out
}

// ExpandToSlots cuts each interval into consecutive slots of slotMinutes.
// A tail shorter than a slot is dropped; slots never span two intervals.
// The result is ordered by start.
func ExpandToSlots(intervals []Interval, slotMinutes int) []Interval {
	if slotMinutes <= 0 {
		return nil
	}
	size := time.Duration(slotMinutes) * time.Minute
	var slots []Interval
	for _, iv := range intervals {
		for t := iv.Start; !t.Add(size).After(iv.End); t = t.Add(size) {
			slots = append(slots, Interval{Start: t, End: t.Add(size)})
		}
	}
	sortByStart(slots)
	return slots
}

// Overlaps reports whether two half-open intervals share an instant.
// Touching endpoints do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// OverlapsAny reports whether iv overlaps any of busy.
func OverlapsAny(iv Interval, busy []Interval) bool {
	for _, b := range busy {
		if Overlaps(iv, b) {
			return true
		}
	}
	return false
}

// Span returns the smallest interval covering all of ivs.
func Span(ivs []Interval) (Interval, bool) {
	var out Interval
	for i, iv := range ivs {
		if i == 0 || iv.Start.Before(out.Start) {
			out.Start = iv.Start
		}
		if i == 0 || iv.End.After(out.End) {
			out.End = iv.End
		}
	}
	return out, len(ivs) > 0
}

func sortByStart(ivs []Interval) {
	// Insertion sort: inputs are per-day slot lists, already nearly ordered.
	for i := 1; i < len(ivs); i++ {
		for j := i; j > 0 && ivs[j].Start.Before(ivs[j-1].Start); j-- {
			ivs[j], ivs[j-1] = ivs[j-1], ivs[j]
		}
	}
}
