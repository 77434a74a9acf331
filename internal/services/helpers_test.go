package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skillshub-cm/mobile-backend/internal/events"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories/memory"
	"github.com/skillshub-cm/mobile-backend/pkg/paymentgateway"
	"go.uber.org/zap"
)

const (
	testPayer  = "a@x.com"
	testWallet = "237670000001"
)

var farFuture = time.Now().Add(365 * 24 * time.Hour)

func decimalFive() decimal.Decimal { return decimal.NewFromInt(5000) }

// fakeGateway lets each test script the processor's answers
type fakeGateway struct {
	ChargeFunc   func(ctx context.Context, req paymentgateway.ChargeRequest) (*paymentgateway.ChargeResult, error)
	RedirectFunc func(ctx context.Context, req paymentgateway.RedirectRequest) (*paymentgateway.RedirectResult, error)
	RefreshFunc  func(ctx context.Context, requestID string) (*paymentgateway.StatusResult, error)

	mu           sync.Mutex
	refreshCalls []string
}

func (f *fakeGateway) Charge(ctx context.Context, req paymentgateway.ChargeRequest) (*paymentgateway.ChargeResult, error) {
	if f.ChargeFunc == nil {
		return &paymentgateway.ChargeResult{Status: paymentgateway.StatusPending, GatewayRequestID: "REQ-" + req.Reference}, nil
	}
	return f.ChargeFunc(ctx, req)
}

func (f *fakeGateway) ChargeWithRedirect(ctx context.Context, req paymentgateway.RedirectRequest) (*paymentgateway.RedirectResult, error) {
	if f.RedirectFunc == nil {
		return &paymentgateway.RedirectResult{
			RedirectURL:      "https://pay.test/" + req.Reference,
			GatewayRequestID: "RED-" + req.Reference,
		}, nil
	}
	return f.RedirectFunc(ctx, req)
}

func (f *fakeGateway) RefreshStatus(ctx context.Context, requestID string) (*paymentgateway.StatusResult, error) {
	f.mu.Lock()
	f.refreshCalls = append(f.refreshCalls, requestID)
	f.mu.Unlock()
	if f.RefreshFunc == nil {
		return &paymentgateway.StatusResult{Status: paymentgateway.StatusSucceeded, GatewayRequestID: requestID, VendorStatus: "SUCCESSFUL"}, nil
	}
	return f.RefreshFunc(ctx, requestID)
}

func (f *fakeGateway) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshCalls)
}

func chargeReturns(status paymentgateway.Status) func(context.Context, paymentgateway.ChargeRequest) (*paymentgateway.ChargeResult, error) {
	return func(_ context.Context, req paymentgateway.ChargeRequest) (*paymentgateway.ChargeResult, error) {
		return &paymentgateway.ChargeResult{Status: status, GatewayRequestID: "REQ-" + req.Reference, VendorStatus: string(status)}, nil
	}
}

// flakyEntitlements fails Apply until failures reaches zero, and on a done context
type flakyEntitlements struct {
	*memory.EntitlementRepository
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyEntitlements) Apply(ctx context.Context, payerIdentity, reference string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return false, errors.New("entitlement store unavailable")
	}
	f.mu.Unlock()
	return f.EntitlementRepository.Apply(ctx, payerIdentity, reference, at)
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.StateChanged
}

func (p *recordingPublisher) PublishStateChanged(_ context.Context, event events.StateChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) States() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make([]string, 0, len(p.events))
	for _, e := range p.events {
		states = append(states, e.State)
	}
	return states
}

type harness struct {
	transactions *memory.TransactionRepository
	entitlements *flakyEntitlements
	webhooks     *memory.WebhookEventRepository
	users        *memory.UserRepository
	gateway      *fakeGateway
	publisher    *recordingPublisher
	transitions  *TransitionService
	payments     *PaymentServiceImpl
	reconciler   *ReconciliationServiceImpl
	sweeper      *SweepServiceImpl
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		transactions: memory.NewTransactionRepository(),
		entitlements: &flakyEntitlements{EntitlementRepository: memory.NewEntitlementRepository()},
		webhooks:     memory.NewWebhookEventRepository(),
		users: memory.NewUserRepository(&models.User{
			Name:  "Ada",
			Email: testPayer,
			Phone: testWallet,
		}),
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
	}
	logger := zap.NewNop()
	h.transitions = NewTransitionService(h.transactions, h.entitlements, h.publisher, logger)
	h.payments = NewPaymentService(h.transactions, h.entitlements, h.users, h.gateway, h.transitions, PaymentConfig{
		Currency:               "XAF",
		RequireRegisteredPayer: true,
		GatewayTimeout:         time.Second,
	}, logger)
	h.reconciler = NewReconciliationService(h.transactions, h.webhooks, h.gateway, h.transitions, ReconciliationConfig{
		VerifyUnconfirmed: true,
		GatewayTimeout:    time.Second,
	}, logger)
	h.sweeper = NewSweepService(h.transactions, h.gateway, h.transitions, SweepConfig{
		StaleAfter:     5 * time.Minute,
		ExpireAfter:    24 * time.Hour,
		BatchSize:      50,
		GatewayTimeout: time.Second,
	}, logger)
	return h
}

func (h *harness) initiate(t *testing.T) *InitiateResult {
	t.Helper()
	result, err := h.payments.Initiate(context.Background(), InitiateRequest{
		PayerIdentity: testPayer,
		Amount:        decimalFive(),
		Memo:          "SKILL",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return result
}

func (h *harness) transaction(t *testing.T, reference string) *models.Transaction {
	t.Helper()
	tx, err := h.transactions.FindByReference(context.Background(), reference)
	if err != nil {
		t.Fatalf("FindByReference(%s): %v", reference, err)
	}
	return tx
}

func (h *harness) entitlement(t *testing.T) *models.Entitlement {
	t.Helper()
	e, err := h.entitlements.FindByPayer(context.Background(), testPayer)
	if err != nil {
		t.Fatalf("FindByPayer: %v", err)
	}
	return e
}
