package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
)

var _ repositories.TransactionRepository = (*TransactionRepository)(nil)

const transactionColumns = `reference, gateway_request_id, redirect_request_id, redirect_url, payer_identity,
	wallet_number, memo, amount::text, currency, status, entitlement_applied, failure_reason,
	created_at, updated_at, completed_at`

// TransactionRepository handles PostgreSQL operations for Transaction
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new TransactionRepository
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// Create inserts a new transaction
func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	now := time.Now()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO transactions (reference, gateway_request_id, redirect_request_id, redirect_url,
			payer_identity, wallet_number, memo, amount, currency, status, entitlement_applied,
			failure_reason, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9, $10, $11, $12, $13, $14, $15)
	`, tx.Reference, nullable(tx.GatewayRequestID), nullable(tx.RedirectRequestID), nullable(tx.RedirectURL),
		tx.PayerIdentity, nullable(tx.WalletNumber), tx.Memo, tx.Amount.String(), tx.Currency,
		string(tx.Status), tx.EntitlementApplied, nullable(tx.FailureReason), tx.CreatedAt, tx.UpdatedAt,
		tx.CompletedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", tx.Reference, repositories.ErrDuplicate)
	}
	return err
}

// FindByReference finds a transaction by its reference
func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference)
	return scanTransaction(row)
}

// FindByGatewayRequestID finds a transaction by either gateway request id
func (r *TransactionRepository) FindByGatewayRequestID(ctx context.Context, requestID string) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE gateway_request_id = $1 OR redirect_request_id = $1 LIMIT 1`, requestID)
	return scanTransaction(row)
}

// FindByPayer finds a payer's transactions with pagination, newest first
func (r *TransactionRepository) FindByPayer(ctx context.Context, payerIdentity string, page, limit int) ([]*models.Transaction, error) {
	skip, size := repositories.Pagination(page, limit)
	return r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE payer_identity = $1 ORDER BY created_at DESC OFFSET $2 LIMIT $3`, payerIdentity, skip, size)
}

// CompareAndSetStatus updates the row only while its status still equals from
func (r *TransactionRepository) CompareAndSetStatus(ctx context.Context, reference string, from models.TransactionStatus, update repositories.StatusUpdate) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE transactions SET
			status              = $3,
			gateway_request_id  = COALESCE($4, gateway_request_id),
			redirect_request_id = COALESCE($5, redirect_request_id),
			redirect_url        = COALESCE($6, redirect_url),
			failure_reason      = COALESCE($7, failure_reason),
			completed_at        = COALESCE($8, completed_at),
			updated_at          = NOW()
		WHERE reference = $1 AND status = $2
		RETURNING `+transactionColumns,
		reference, string(from), string(update.Status), nullable(update.GatewayRequestID),
		nullable(update.RedirectRequestID), nullable(update.RedirectURL), nullable(update.FailureReason),
		update.CompletedAt)

	tx, err := scanTransaction(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}
	if _, findErr := r.FindByReference(ctx, reference); findErr != nil {
		return nil, findErr
	}
	return nil, fmt.Errorf("transaction %s no longer %s: %w", reference, from, repositories.ErrConflict)
}

// MarkEntitlementApplied records that the success side effect has committed
func (r *TransactionRepository) MarkEntitlementApplied(ctx context.Context, reference string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transactions SET entitlement_applied = TRUE, updated_at = NOW() WHERE reference = $1`, reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// FindStale lists non-terminal transactions created before olderThan
func (r *TransactionRepository) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*models.Transaction, error) {
	return r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE status IN ($1, $2) AND created_at < $3 ORDER BY created_at LIMIT $4`,
		string(models.StatusInitiated), string(models.StatusPendingRedirect), olderThan, limit)
}

// FindPendingEntitlements lists successes whose entitlement write never committed
func (r *TransactionRepository) FindPendingEntitlements(ctx context.Context, limit int) ([]*models.Transaction, error) {
	return r.query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1 AND NOT entitlement_applied ORDER BY completed_at LIMIT $2`,
		string(models.StatusSucceeded), limit)
}

func (r *TransactionRepository) query(ctx context.Context, sql string, args ...any) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []*models.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var (
		tx                                                 models.Transaction
		gatewayID, redirectID, redirectURL, wallet, reason *string
		amount, status                                     string
	)
	err := row.Scan(&tx.Reference, &gatewayID, &redirectID, &redirectURL, &tx.PayerIdentity,
		&wallet, &tx.Memo, &amount, &tx.Currency, &status, &tx.EntitlementApplied, &reason,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, err
	}

	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s amount %q: %w", tx.Reference, amount, err)
	}
	tx.Amount = models.NewAmount(value)
	tx.Status = models.TransactionStatus(status)
	tx.GatewayRequestID = deref(gatewayID)
	tx.RedirectRequestID = deref(redirectID)
	tx.RedirectURL = deref(redirectURL)
	tx.WalletNumber = deref(wallet)
	tx.FailureReason = deref(reason)
	return &tx, nil
}
