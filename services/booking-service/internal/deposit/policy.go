// Package deposit computes required deposits from a provider's policy and
// decides when a paid deposit is forfeited.
package deposit

import (
	"math"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/model"
)

// Compute returns the deposit owed for a booking priced at priceCents.
// A nil price counts as zero, so percent policies fall back to their minimum.
func Compute(p model.DepositPolicy, priceCents *int64) int64 {
	switch p.Mode {
	case model.DepositFlat:
		if p.AmountCents < 0 {
			return 0
		}
		return p.AmountCents
	case model.DepositPercent:
		var price int64
		if priceCents != nil && *priceCents > 0 {
			price = *priceCents
		}
		cents := int64(math.Round(float64(price) * p.Percent))
		if cents < p.MinCents {
			cents = p.MinCents
		}
		if p.MaxCents > 0 && cents > p.MaxCents {
			cents = p.MaxCents
		}
		if cents < 0 {
			return 0
		}
		return cents
	default:
		return 0
	}
}

// Enabled reports whether the policy's active mode is actually configured.
// Providers without an enabled policy cannot take session bookings.
func Enabled(p model.DepositPolicy) bool {
	switch p.Mode {
	case model.DepositFlat:
		return p.AmountCents > 0
	case model.DepositPercent:
		return p.Percent > 0 && p.MinCents > 0
	default:
		return false
	}
}

func Cutoff(p model.DepositPolicy) time.Duration {
	if p.CutoffHours <= 0 {
		return model.DefaultCutoffHours * time.Hour
	}
	return time.Duration(p.CutoffHours) * time.Hour
}

// ShouldForfeit is true when less than the cutoff remains before start.
// Exactly the cutoff keeps the deposit.
func ShouldForfeit(p model.DepositPolicy, start, now time.Time) bool {
	return start.Sub(now) < Cutoff(p)
}

func Validate(p model.DepositPolicy) error {
	switch p.Mode {
	case model.DepositFlat:
		if p.AmountCents < 0 {
			return model.Invalid(model.ErrInvalidPolicy, "amount_cents must not be negative")
		}
	case model.DepositPercent:
		if p.Percent < 0 || p.Percent > 1 || math.IsNaN(p.Percent) {
			return model.Invalid(model.ErrInvalidPolicy, "percent must be between 0 and 1")
		}
		if p.MinCents < 0 || p.MaxCents < 0 {
			return model.Invalid(model.ErrInvalidPolicy, "min_cents and max_cents must not be negative")
		}
		if p.MaxCents > 0 && p.MaxCents < p.MinCents {
			return model.Invalid(model.ErrInvalidPolicy, "max_cents must be at least min_cents")
		}
	default:
		return model.Invalid(model.ErrInvalidPolicy, "mode must be flat or percent")
	}
	if p.CutoffHours < 0 {
		return model.Invalid(model.ErrInvalidPolicy, "cutoff_hours must not be negative")
	}
	return nil
}
