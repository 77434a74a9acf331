package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
)

var _ repositories.EntitlementRepository = (*EntitlementRepository)(nil)

// EntitlementRepository handles PostgreSQL operations for Entitlement
type EntitlementRepository struct {
	pool *pgxpool.Pool
}

// NewEntitlementRepository creates a new EntitlementRepository
func NewEntitlementRepository(pool *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{pool: pool}
}

// Ensure creates an unpaid entitlement if the payer has none
func (r *EntitlementRepository) Ensure(ctx context.Context, payerIdentity string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO entitlements (payer_identity) VALUES ($1)
		ON CONFLICT (payer_identity) DO NOTHING`, payerIdentity)
	return err
}

// FindByPayer finds a payer's entitlement together with its applied references
func (r *EntitlementRepository) FindByPayer(ctx context.Context, payerIdentity string) (*models.Entitlement, error) {
	var (
		e       models.Entitlement
		lastRef *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT payer_identity, paid, last_transaction_reference, paid_at, created_at, updated_at
		FROM entitlements WHERE payer_identity = $1`, payerIdentity).
		Scan(&e.PayerIdentity, &e.Paid, &lastRef, &e.PaidAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, err
	}
	e.LastTransactionReference = deref(lastRef)

	rows, err := r.pool.Query(ctx, `
		SELECT reference FROM entitlement_applications
		WHERE payer_identity = $1 ORDER BY applied_at`, payerIdentity)
	if err != nil {
		return nil, err
	}
	refs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	e.AppliedReferences = refs
	return &e, nil
}

// Apply records reference in entitlement_applications and marks the payer paid
// in one database transaction. A reference that is already recorded writes nothing.
func (r *EntitlementRepository) Apply(ctx context.Context, payerIdentity, reference string, at time.Time) (bool, error) {
	applied := false
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO entitlements (payer_identity) VALUES ($1)
			ON CONFLICT (payer_identity) DO NOTHING`, payerIdentity); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO entitlement_applications (reference, payer_identity, applied_at)
			VALUES ($1, $2, $3) ON CONFLICT (reference) DO NOTHING`, reference, payerIdentity, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE entitlements
			SET paid = TRUE, last_transaction_reference = $2, paid_at = $3, updated_at = $3
			WHERE payer_identity = $1`, payerIdentity, reference, at); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
