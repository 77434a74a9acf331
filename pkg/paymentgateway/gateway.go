// Package paymentgateway is the client side of the mobile-money processor.
//
// Gateway is the contract the payment flow depends on. TranzakGateway talks to
// the real processor over HTTPS and MockGateway answers locally with a fixed
// outcome for development.
package paymentgateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable means the call could not be completed: transport error,
	// timeout, cancellation or a 5xx answer. The money movement outcome is unknown.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrMalformedResponse means the gateway answered but required fields were missing or unreadable
	ErrMalformedResponse = errors.New("malformed payment gateway response")
	// ErrRejected means the gateway refused the request outright (4xx or success=false)
	ErrRejected = errors.New("payment gateway rejected the request")
)

// Status is the gateway's view of a charge, reduced to a fixed vocabulary
type Status string

const (
	StatusSucceeded        Status = "SUCCEEDED"
	StatusPending          Status = "PENDING"
	StatusRedirectRequired Status = "REDIRECT_REQUIRED"
	StatusFailed           Status = "FAILED"
	StatusUnknown          Status = "UNKNOWN"
)

// MapVendorStatus maps a processor status string onto Status
func MapVendorStatus(vendor string) Status {
	switch strings.ToUpper(strings.TrimSpace(vendor)) {
	case "SUCCESSFUL", "COMPLETED", "SUCCEEDED":
		return StatusSucceeded
	case "PENDING", "PAYMENT_IN_PROGRESS":
		return StatusPending
	case "PAYER_AUTHENTICATION_REQUIRED", "REDIRECT_REQUIRED":
		return StatusRedirectRequired
	case "FAILED", "CANCELLED", "CANCELED", "CANCELLED_BY_PAYER", "EXPIRED":
		return StatusFailed
	}
	return StatusUnknown
}

// ChargeRequest asks the gateway to debit a mobile wallet
type ChargeRequest struct {
	Reference    string
	Amount       decimal.Decimal
	Currency     string
	WalletNumber string
	Memo         string
}

// ChargeResult is the immediate answer to a charge
type ChargeResult struct {
	Status           Status
	GatewayRequestID string
	VendorStatus     string
}

// RedirectRequest asks for a hosted payment page
type RedirectRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Memo      string
}

// RedirectResult carries the page the payer must visit
type RedirectResult struct {
	RedirectURL      string
	GatewayRequestID string
}

// StatusResult is the current status of a gateway request
type StatusResult struct {
	Status           Status
	GatewayRequestID string
	Reference        string
	VendorStatus     string
}

// Gateway is the processor contract used by the payment flow
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	ChargeWithRedirect(ctx context.Context, req RedirectRequest) (*RedirectResult, error)
	RefreshStatus(ctx context.Context, gatewayRequestID string) (*StatusResult, error)
}

// MockGateway answers every call locally. ChargeStatus and RefreshResult
// decide the outcome; Err, when set, is returned from every call.
type MockGateway struct {
	ChargeStatus    Status
	RefreshResult   Status
	RedirectBaseURL string
	Err             error

	mu       sync.Mutex
	requests map[string]string // gateway request id -> reference
}

// NewMockGateway creates a mock that charges with chargeStatus
func NewMockGateway(chargeStatus Status, redirectBaseURL string) *MockGateway {
	if chargeStatus == "" {
		chargeStatus = StatusSucceeded
	}
	if redirectBaseURL == "" {
		redirectBaseURL = "https://pay.mock.local/checkout"
	}
	return &MockGateway{
		ChargeStatus:    chargeStatus,
		RefreshResult:   StatusSucceeded,
		RedirectBaseURL: redirectBaseURL,
		requests:        make(map[string]string),
	}
}

// Charge simulates a wallet charge
func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	id := g.track(req.Reference)
	return &ChargeResult{Status: g.ChargeStatus, GatewayRequestID: id, VendorStatus: string(g.ChargeStatus)}, nil
}

// ChargeWithRedirect simulates a hosted-page charge
func (g *MockGateway) ChargeWithRedirect(ctx context.Context, req RedirectRequest) (*RedirectResult, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	id := g.track(req.Reference)
	return &RedirectResult{
		RedirectURL:      fmt.Sprintf("%s/%s", strings.TrimRight(g.RedirectBaseURL, "/"), id),
		GatewayRequestID: id,
	}, nil
}

// RefreshStatus reports RefreshResult for any request id it issued
func (g *MockGateway) RefreshStatus(ctx context.Context, gatewayRequestID string) (*StatusResult, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	reference, ok := g.requests[gatewayRequestID]
	g.mu.Unlock()
	if !ok {
		return &StatusResult{Status: StatusUnknown, GatewayRequestID: gatewayRequestID}, nil
	}
	return &StatusResult{
		Status:           g.RefreshResult,
		GatewayRequestID: gatewayRequestID,
		Reference:        reference,
		VendorStatus:     string(g.RefreshResult),
	}, nil
}

func (g *MockGateway) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return g.Err
}

func (g *MockGateway) track(reference string) string {
	id := fmt.Sprintf("MOCK%d%s", time.Now().Unix(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.requests == nil {
		g.requests = make(map[string]string)
	}
	g.requests[id] = reference
	return id
}
