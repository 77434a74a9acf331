package services

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/skillshub-cm/mobile-backend/internal/models"
)

// InitiateRequest is a caller's request to pay
type InitiateRequest struct {
	PayerIdentity string
	WalletNumber  string
	Amount        decimal.Decimal
	Memo          string
}

// InitiateResult is the immediate outcome of a charge
type InitiateResult struct {
	Reference   string                   `json:"reference"`
	Status      models.TransactionStatus `json:"status"`
	RedirectURL string                   `json:"redirectUrl,omitempty"`
}

// Notification is a gateway webhook as seen by reconciliation
type Notification struct {
	EventID          string
	EventType        string
	Reference        string
	GatewayRequestID string
	Status           string
	Payload          []byte
}

// ReconcileResult reports what a notification did
type ReconcileResult struct {
	Reference string                   `json:"reference"`
	Outcome   models.WebhookOutcome    `json:"outcome"`
	Status    models.TransactionStatus `json:"status,omitempty"`
}

// SweepReport summarises one sweep pass
type SweepReport struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
	Expired  int `json:"expired"`
	Repaired int `json:"repaired"`
	Errors   int `json:"errors"`
}

// PaymentService starts charges and answers payer queries
type PaymentService interface {
	// Initiate records a new transaction and charges the gateway
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)

	// ListPayments lists a payer's transactions, newest first
	ListPayments(ctx context.Context, payerIdentity string, page, limit int) ([]*models.Transaction, error)

	// GetPayment returns one of the payer's transactions
	GetPayment(ctx context.Context, payerIdentity, reference string) (*models.Transaction, error)

	// GetEntitlement returns the payer's entitlement, unpaid if none exists yet
	GetEntitlement(ctx context.Context, payerIdentity string) (*models.Entitlement, error)
}

// ReconciliationService applies gateway notifications to transactions
type ReconciliationService interface {
	Reconcile(ctx context.Context, n Notification) (*ReconcileResult, error)
}

// SweepService resolves transactions that no notification has settled
type SweepService interface {
	// SweepOnce runs a single pass
	SweepOnce(ctx context.Context) (*SweepReport, error)

	// RepairEntitlements applies pending entitlements only
	RepairEntitlements(ctx context.Context) (*SweepReport, error)

	// Run sweeps on every tick until ctx is done
	Run(ctx context.Context)
}
