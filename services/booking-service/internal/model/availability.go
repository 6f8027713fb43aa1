package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ClockRange is a local wall-clock range, "HH:MM" to "HH:MM".
type ClockRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// WeeklyRanges is indexed by time.Weekday. A nil day is unconfigured and falls
// back to the default open range; a non-nil empty day is closed.
type WeeklyRanges [7][]ClockRange

var weekdayKeys = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

func WeekdayKey(d time.Weekday) string {
	return weekdayKeys[d]
}

func (w WeeklyRanges) MarshalJSON() ([]byte, error) {
	out := make(map[string][]ClockRange, 7)
	for d, ranges := range w {
		if ranges == nil {
			continue
		}
		out[weekdayKeys[d]] = ranges
	}
	return json.Marshal(out)
}

func (w *WeeklyRanges) UnmarshalJSON(b []byte) error {
	var in map[string][]ClockRange
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	var out WeeklyRanges
	for key, ranges := range in {
		idx := -1
		for d, k := range weekdayKeys {
			if strings.EqualFold(k, strings.TrimSpace(key)) {
				idx = d
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("unknown weekday %q", key)
		}
		if ranges == nil {
			ranges = []ClockRange{}
		}
		out[idx] = ranges
	}
	*w = out
	return nil
}

type AvailabilityTemplate struct {
	ProviderID  string                  `json:"provider_id"`
	Timezone    string                  `json:"timezone"`
	SlotMinutes int                     `json:"slot_minutes"`
	Weekly      WeeklyRanges            `json:"weekly"`
	Exceptions  map[string][]ClockRange `json:"exceptions"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

const (
	MinSlotMinutes = 5
	MaxSlotMinutes = 480
)

func ClampSlotMinutes(m int) int {
	if m < MinSlotMinutes {
		return MinSlotMinutes
	}
	if m > MaxSlotMinutes {
		return MaxSlotMinutes
	}
	return m
}
