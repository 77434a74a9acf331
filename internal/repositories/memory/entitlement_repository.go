package memory

import (
	"context"
	"sync"
	"time"

	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
)

var _ repositories.EntitlementRepository = (*EntitlementRepository)(nil)

// EntitlementRepository keeps entitlements keyed by payer
type EntitlementRepository struct {
	mu           sync.RWMutex
	entitlements map[string]*models.Entitlement
}

// NewEntitlementRepository creates an empty repository
func NewEntitlementRepository() *EntitlementRepository {
	return &EntitlementRepository{
		entitlements: make(map[string]*models.Entitlement),
	}
}

// Ensure creates an unpaid entitlement if the payer has none
func (r *EntitlementRepository) Ensure(ctx context.Context, payerIdentity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entitlements[payerIdentity]; !ok {
		now := time.Now()
		r.entitlements[payerIdentity] = &models.Entitlement{
			PayerIdentity: payerIdentity,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	return nil
}

// FindByPayer returns a copy of the payer's entitlement
func (r *EntitlementRepository) FindByPayer(ctx context.Context, payerIdentity string) (*models.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entitlements[payerIdentity]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	c := *e
	c.AppliedReferences = append([]string(nil), e.AppliedReferences...)
	return &c, nil
}

// Apply marks the payer paid unless reference was already applied
func (r *EntitlementRepository) Apply(ctx context.Context, payerIdentity, reference string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entitlements[payerIdentity]
	if !ok {
		e = &models.Entitlement{PayerIdentity: payerIdentity, CreatedAt: at}
		r.entitlements[payerIdentity] = e
	}
	if e.HasApplied(reference) {
		return false, nil
	}
	paidAt := at
	e.Paid = true
	e.LastTransactionReference = reference
	e.AppliedReferences = append(e.AppliedReferences, reference)
	e.PaidAt = &paidAt
	e.UpdatedAt = at
	return true, nil
}
