package booking

import (
	"context"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
)

// Guard rejects bookings whose window collides with another active booking of
// the same provider. The check runs inside the writing transaction; the store's
// exclusion constraint catches whatever a concurrent writer slips in between.
type Guard struct{}

// FindOverlapping lists the provider's pending or confirmed bookings that
// intersect [start, end), ignoring excludeID.
func (Guard) FindOverlapping(ctx context.Context, r storage.Reader, providerID string, start, end time.Time, excludeID string) ([]model.Booking, error) {
	return r.FindOverlapping(ctx, providerID, start, end, excludeID)
}

// Reserve inserts b if its window is free.
func (g Guard) Reserve(ctx context.Context, tx storage.Tx, b model.Booking) error {
	if err := g.check(ctx, tx, b); err != nil {
		return err
	}
	return tx.InsertBooking(ctx, b)
}

// Move persists b at its new window if that window is free of other bookings.
func (g Guard) Move(ctx context.Context, tx storage.Tx, b model.Booking) error {
	if err := g.check(ctx, tx, b); err != nil {
		return err
	}
	return tx.UpdateBooking(ctx, b)
}

func (g Guard) check(ctx context.Context, tx storage.Tx, b model.Booking) error {
	conflicts, err := g.FindOverlapping(ctx, tx, b.ProviderID, b.StartAt, b.EndAt, b.ID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return model.ErrSlotBooked
	}
	return nil
}
