package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/skillshub-cm/mobile-backend/internal/models"
)

var (
	// ErrNotFound is returned when no record matches the lookup key
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by a compare-and-swap whose expected status no longer holds
	ErrConflict = errors.New("record was modified concurrently")
	// ErrDuplicate is returned when a unique key is already taken
	ErrDuplicate = errors.New("duplicate key")
)

// StatusUpdate carries the fields written together with a status transition.
// Empty strings and a nil CompletedAt leave the stored value untouched.
type StatusUpdate struct {
	Status            models.TransactionStatus
	GatewayRequestID  string
	RedirectRequestID string
	RedirectURL       string
	FailureReason     string
	CompletedAt       *time.Time
}

// TransactionRepository is the ledger of charge attempts
type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	FindByReference(ctx context.Context, reference string) (*models.Transaction, error)
	FindByGatewayRequestID(ctx context.Context, requestID string) (*models.Transaction, error)
	FindByPayer(ctx context.Context, payerIdentity string, page, limit int) ([]*models.Transaction, error)
	// CompareAndSetStatus applies update only if the stored status still equals from.
	// It returns ErrConflict when the status moved and ErrNotFound when the reference is unknown.
	CompareAndSetStatus(ctx context.Context, reference string, from models.TransactionStatus, update StatusUpdate) (*models.Transaction, error)
	MarkEntitlementApplied(ctx context.Context, reference string) error
	// FindStale lists non-terminal transactions created before olderThan, oldest first
	FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*models.Transaction, error)
	FindPendingEntitlements(ctx context.Context, limit int) ([]*models.Transaction, error)
}

// EntitlementRepository holds the per-payer paid flag
type EntitlementRepository interface {
	// Ensure creates an unpaid entitlement for payerIdentity if none exists
	Ensure(ctx context.Context, payerIdentity string) error
	FindByPayer(ctx context.Context, payerIdentity string) (*models.Entitlement, error)
	// Apply marks the payer as paid for reference. It returns false when reference
	// had already been applied, in which case nothing was written.
	Apply(ctx context.Context, payerIdentity, reference string, at time.Time) (bool, error)
}

// UserRepository is the read side of the user collaborator
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByPhone(ctx context.Context, phone string) (*models.User, error)
}

// WebhookEventRepository stores the audit trail of gateway notifications
type WebhookEventRepository interface {
	Record(ctx context.Context, event *models.WebhookEvent) error
	FindByReference(ctx context.Context, reference string) ([]*models.WebhookEvent, error)
}

// Pagination normalises page/limit query values
func Pagination(page, limit int) (skip int64, size int64) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return int64((page - 1) * limit), int64(limit)
}
