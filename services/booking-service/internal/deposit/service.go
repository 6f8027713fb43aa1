package deposit

import (
	"context"
	"strings"
	"time"

	"github.com/inkslot/inkslot/services/booking-service/internal/model"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
)

type Service struct {
	store storage.Store
	now   func() time.Time
}

func NewService(store storage.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// Get returns the provider's policy; ok is false when none is configured.
func (s *Service) Get(ctx context.Context, providerID string) (model.DepositPolicy, bool, error) {
	return s.store.GetDepositPolicy(ctx, strings.TrimSpace(providerID))
}

// Put upserts the policy. Only the provider may change their own policy.
func (s *Service) Put(ctx context.Context, actorID string, p model.DepositPolicy) (model.DepositPolicy, error) {
	p.ProviderID = strings.TrimSpace(p.ProviderID)
	if p.ProviderID == "" {
		return model.DepositPolicy{}, model.Invalid(model.ErrMissingField, "provider_id is required")
	}
	if actorID == "" || actorID != p.ProviderID {
		return model.DepositPolicy{}, model.ErrForbidden
	}
	if err := Validate(p); err != nil {
		return model.DepositPolicy{}, err
	}
	if p.CutoffHours == 0 {
		p.CutoffHours = model.DefaultCutoffHours
	}
	p.UpdatedAt = s.now().UTC()

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertDepositPolicy(ctx, p)
	})
	if err != nil {
		return model.DepositPolicy{}, err
	}
	return p, nil
}
