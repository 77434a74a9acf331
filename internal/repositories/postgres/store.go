// Package postgres implements the repositories on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		reference           VARCHAR(64) PRIMARY KEY,
		gateway_request_id  VARCHAR(128),
		redirect_request_id VARCHAR(128),
		redirect_url        TEXT,
		payer_identity      VARCHAR(255) NOT NULL,
		wallet_number       VARCHAR(32),
		memo                TEXT NOT NULL,
		amount              NUMERIC(18,2) NOT NULL CHECK (amount > 0),
		currency            VARCHAR(3) NOT NULL,
		status              VARCHAR(32) NOT NULL,
		entitlement_applied BOOLEAN NOT NULL DEFAULT FALSE,
		failure_reason      TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_gateway_request_id ON transactions(gateway_request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_redirect_request_id ON transactions(redirect_request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_payer ON transactions(payer_identity, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS entitlements (
		payer_identity             VARCHAR(255) PRIMARY KEY,
		paid                       BOOLEAN NOT NULL DEFAULT FALSE,
		last_transaction_reference VARCHAR(64),
		paid_at                    TIMESTAMPTZ,
		created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS entitlement_applications (
		reference      VARCHAR(64) PRIMARY KEY,
		payer_identity VARCHAR(255) NOT NULL REFERENCES entitlements(payer_identity),
		applied_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		name       VARCHAR(255) NOT NULL DEFAULT '',
		email      VARCHAR(255) NOT NULL UNIQUE,
		phone      VARCHAR(32) NOT NULL DEFAULT '',
		role       VARCHAR(32) NOT NULL DEFAULT 'user',
		paid       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_phone ON users(phone)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id                 BIGSERIAL PRIMARY KEY,
		event_id           VARCHAR(128) NOT NULL,
		event_type         VARCHAR(128),
		reference          VARCHAR(64),
		gateway_request_id VARCHAR(128),
		status             VARCHAR(64),
		payload            TEXT NOT NULL,
		outcome            VARCHAR(32) NOT NULL,
		error              TEXT,
		received_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_reference ON webhook_events(reference, received_at)`,
}

// Connect opens a pool and verifies connectivity
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables if they do not exist
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, query := range schema {
		if _, err := pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullable maps "" to SQL NULL
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
