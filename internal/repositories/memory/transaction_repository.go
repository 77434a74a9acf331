// Package memory implements the repositories in process memory. It backs
// local runs with Store.Driver=memory and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
)

var _ repositories.TransactionRepository = (*TransactionRepository)(nil)

// TransactionRepository keeps transactions in a map keyed by reference
type TransactionRepository struct {
	mu           sync.RWMutex
	transactions map[string]*models.Transaction
}

// NewTransactionRepository creates an empty repository
func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{
		transactions: make(map[string]*models.Transaction),
	}
}

// Create stores a copy of tx
func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transactions[tx.Reference]; exists {
		return fmt.Errorf("transaction %s: %w", tx.Reference, repositories.ErrDuplicate)
	}
	now := time.Now()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	r.transactions[tx.Reference] = cloneTransaction(tx)
	return nil
}

// FindByReference returns a copy of the stored transaction
func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.transactions[reference]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// FindByGatewayRequestID scans for either gateway request id
func (r *TransactionRepository) FindByGatewayRequestID(ctx context.Context, requestID string) (*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tx := range r.transactions {
		if tx.GatewayRequestID == requestID || tx.RedirectRequestID == requestID {
			return cloneTransaction(tx), nil
		}
	}
	return nil, repositories.ErrNotFound
}

// FindByPayer returns a page of the payer's transactions, newest first
func (r *TransactionRepository) FindByPayer(ctx context.Context, payerIdentity string, page, limit int) ([]*models.Transaction, error) {
	matched := r.filter(func(tx *models.Transaction) bool { return tx.PayerIdentity == payerIdentity })
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	skip, size := repositories.Pagination(page, limit)
	if skip >= int64(len(matched)) {
		return []*models.Transaction{}, nil
	}
	end := skip + size
	if end > int64(len(matched)) {
		end = int64(len(matched))
	}
	return matched[skip:end], nil
}

// CompareAndSetStatus applies update under the write lock if the status still equals from
func (r *TransactionRepository) CompareAndSetStatus(ctx context.Context, reference string, from models.TransactionStatus, update repositories.StatusUpdate) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[reference]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if tx.Status != from {
		return nil, fmt.Errorf("transaction %s no longer %s: %w", reference, from, repositories.ErrConflict)
	}

	tx.Status = update.Status
	tx.UpdatedAt = time.Now()
	if update.GatewayRequestID != "" {
		tx.GatewayRequestID = update.GatewayRequestID
	}
	if update.RedirectRequestID != "" {
		tx.RedirectRequestID = update.RedirectRequestID
	}
	if update.RedirectURL != "" {
		tx.RedirectURL = update.RedirectURL
	}
	if update.FailureReason != "" {
		tx.FailureReason = update.FailureReason
	}
	if update.CompletedAt != nil {
		completedAt := *update.CompletedAt
		tx.CompletedAt = &completedAt
	}
	return cloneTransaction(tx), nil
}

// MarkEntitlementApplied sets the entitlementApplied marker
func (r *TransactionRepository) MarkEntitlementApplied(ctx context.Context, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[reference]
	if !ok {
		return repositories.ErrNotFound
	}
	tx.EntitlementApplied = true
	tx.UpdatedAt = time.Now()
	return nil
}

// FindStale lists non-terminal transactions created before olderThan, oldest first
func (r *TransactionRepository) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*models.Transaction, error) {
	matched := r.filter(func(tx *models.Transaction) bool {
		return !tx.Status.IsTerminal() && tx.CreatedAt.Before(olderThan)
	})
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return truncate(matched, limit), nil
}

// FindPendingEntitlements lists successes that still need their entitlement applied
func (r *TransactionRepository) FindPendingEntitlements(ctx context.Context, limit int) ([]*models.Transaction, error) {
	matched := r.filter(func(tx *models.Transaction) bool { return tx.NeedsEntitlementRepair() })
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return truncate(matched, limit), nil
}

// Backdate shifts a transaction's creation time; used to simulate stale rows
func (r *TransactionRepository) Backdate(reference string, by time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tx, ok := r.transactions[reference]; ok {
		tx.CreatedAt = tx.CreatedAt.Add(-by)
	}
}

func (r *TransactionRepository) filter(keep func(*models.Transaction) bool) []*models.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := []*models.Transaction{}
	for _, tx := range r.transactions {
		if keep(tx) {
			matched = append(matched, cloneTransaction(tx))
		}
	}
	return matched
}

func truncate(transactions []*models.Transaction, limit int) []*models.Transaction {
	if limit > 0 && len(transactions) > limit {
		return transactions[:limit]
	}
	return transactions
}

func cloneTransaction(tx *models.Transaction) *models.Transaction {
	c := *tx
	if tx.CompletedAt != nil {
		completedAt := *tx.CompletedAt
		c.CompletedAt = &completedAt
	}
	return &c
}
