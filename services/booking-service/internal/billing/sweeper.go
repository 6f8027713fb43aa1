package billing

import (
	"context"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
)

type SweepConfig struct {
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
}

// RunSweeper periodically settles pending records whose intent already
// succeeded at the provider, covering webhooks that never arrived. Settling is
// row-locked and skips paid records, so several instances may sweep at once.
func (r *Reconciler) RunSweeper(ctx context.Context, cfg SweepConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 15 * time.Minute
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx, cfg.MinAge, cfg.BatchSize)
			if err != nil {
				r.logger.Error("billing sweep failed", "err", err)
				continue
			}
			if n > 0 {
				r.logger.Info("billing sweep settled records", "count", n)
			}
		}
	}
}

// Sweep checks up to limit pending records older than minAge and returns how
// many it settled.
func (r *Reconciler) Sweep(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	pending, err := r.store.ListPendingBillingRecords(ctx, r.now().UTC().Add(-minAge), limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		intent, err := r.gateway.GetIntent(ctx, rec.PaymentIntentID)
		if err != nil {
			r.logger.Warn("billing sweep: intent lookup failed", "billing_record_id", rec.ID, "err", err)
			continue
		}
		if intent.Status != IntentSucceeded {
			continue
		}

		var applied bool
		err = r.store.InTx(ctx, func(tx storage.Tx) error {
			locked, err := tx.GetBillingRecordForUpdate(ctx, rec.ID)
			if err != nil {
				return err
			}
			applied, err = r.settle(ctx, tx, locked, r.now().UTC())
			return err
		})
		if err != nil {
			r.logger.Error("billing sweep: settle failed", "billing_record_id", rec.ID, "err", err)
			continue
		}
		if applied {
			settled++
		}
	}
	return settled, nil
}
