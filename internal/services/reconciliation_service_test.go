package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"github.com/skillshub-cm/mobile-backend/pkg/paymentgateway"
)

func TestReconcileRedirectCompletion(t *testing.T) {
	h := newHarness(t)
	h.gateway.ChargeFunc = chargeReturns(paymentgateway.StatusRedirectRequired)
	initiated := h.initiate(t)

	result, err := h.reconciler.Reconcile(context.Background(), Notification{
		Reference: initiated.Reference,
		Status:    "COMPLETED",
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != models.OutcomeApplied || result.Status != models.StatusSucceeded {
		t.Fatalf("result = %+v", result)
	}
	if h.gateway.RefreshCalls() != 1 {
		t.Errorf("refresh calls = %d, want 1 for an unconfirmed success", h.gateway.RefreshCalls())
	}
	if h.gateway.refreshCalls[0] != "RED-"+initiated.Reference {
		t.Errorf("re-queried %q, want the redirect request id", h.gateway.refreshCalls[0])
	}

	e := h.entitlement(t)
	if !e.Paid || e.LastTransactionReference != initiated.Reference {
		t.Errorf("entitlement = %+v", e)
	}
}

func TestReconcileDuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	initiated := h.initiate(t)
	n := Notification{
		EventID:          "evt-1",
		Reference:        initiated.Reference,
		GatewayRequestID: "REQ-" + initiated.Reference,
		Status:           "SUCCESSFUL",
	}

	first, err := h.reconciler.Reconcile(context.Background(), n)
	if err != nil || first.Outcome != models.OutcomeApplied {
		t.Fatalf("first delivery = %+v, %v", first, err)
	}
	before := h.transaction(t, initiated.Reference)

	second, err := h.reconciler.Reconcile(context.Background(), n)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Outcome != models.OutcomeDuplicate || second.Status != models.StatusSucceeded {
		t.Errorf("second delivery = %+v", second)
	}

	after := h.transaction(t, initiated.Reference)
	if !after.CompletedAt.Equal(*before.CompletedAt) {
		t.Errorf("completedAt moved from %v to %v", before.CompletedAt, after.CompletedAt)
	}
	if refs := h.entitlement(t).AppliedReferences; len(refs) != 1 {
		t.Errorf("applied references = %v, want one", refs)
	}
	if states := h.publisher.States(); len(states) != 2 {
		// PENDING_REDIRECT from initiate, SUCCEEDED from the first delivery
		t.Errorf("published = %v", states)
	}
	if h.gateway.RefreshCalls() != 0 {
		t.Errorf("confirmed notification triggered %d re-queries", h.gateway.RefreshCalls())
	}
}

func TestReconcileUnknownReference(t *testing.T) {
	h := newHarness(t)

	_, err := h.reconciler.Reconcile(context.Background(), Notification{Reference: "ghost-id", Status: "COMPLETED"})
	if !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("err = %v, want ErrUnknownTransaction", err)
	}
	if _, err := h.transactions.FindByReference(context.Background(), "ghost-id"); !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("transaction created for ghost reference: %v", err)
	}
	if _, err := h.entitlements.FindByPayer(context.Background(), testPayer); !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("entitlement touched: %v", err)
	}

	events := h.webhooks.All()
	if len(events) != 1 || events[0].Outcome != models.OutcomeRejected {
		t.Errorf("audit trail = %+v", events)
	}
}

func TestReconcileMissingReference(t *testing.T) {
	h := newHarness(t)
	if _, err := h.reconciler.Reconcile(context.Background(), Notification{Status: "COMPLETED"}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	initiated := h.initiate(t)
	n := Notification{Reference: initiated.Reference, GatewayRequestID: "REQ-" + initiated.Reference, Status: "successful"}

	for i := 0; i < 5; i++ {
		if _, err := h.reconciler.Reconcile(context.Background(), n); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	tx := h.transaction(t, initiated.Reference)
	if tx.Status != models.StatusSucceeded || !tx.EntitlementApplied {
		t.Errorf("transaction = %+v", tx)
	}
	if refs := h.entitlement(t).AppliedReferences; len(refs) != 1 {
		t.Errorf("applied references = %v", refs)
	}
	if got := len(h.webhooks.All()); got != 5 {
		t.Errorf("audit trail has %d events, want 5", got)
	}
}

func TestReconcileNeverLeavesTerminalState(t *testing.T) {
	tests := []struct {
		name  string
		first string
		then  string
		want  models.TransactionStatus
	}{
		{name: "failure after success", first: "SUCCESSFUL", then: "FAILED", want: models.StatusSucceeded},
		{name: "success after failure", first: "CANCELLED", then: "SUCCESSFUL", want: models.StatusFailed},
		{name: "failure after failure", first: "FAILED", then: "CANCELED", want: models.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			initiated := h.initiate(t)
			requestID := "REQ-" + initiated.Reference

			if _, err := h.reconciler.Reconcile(context.Background(), Notification{Reference: initiated.Reference, GatewayRequestID: requestID, Status: tt.first}); err != nil {
				t.Fatalf("first: %v", err)
			}
			before := h.transaction(t, initiated.Reference)

			result, err := h.reconciler.Reconcile(context.Background(), Notification{Reference: initiated.Reference, GatewayRequestID: requestID, Status: tt.then})
			if err != nil {
				t.Fatalf("second: %v", err)
			}
			if result.Outcome != models.OutcomeDuplicate {
				t.Errorf("outcome = %s", result.Outcome)
			}

			after := h.transaction(t, initiated.Reference)
			if after.Status != tt.want || !after.CompletedAt.Equal(*before.CompletedAt) {
				t.Errorf("transaction moved: %s -> %s", before.Status, after.Status)
			}
			if paid := h.entitlement(t).Paid; paid != (tt.want == models.StatusSucceeded) {
				t.Errorf("paid = %v", paid)
			}
		})
	}
}

func TestReconcileFailureNotification(t *testing.T) {
	h := newHarness(t)
	initiated := h.initiate(t)

	result, err := h.reconciler.Reconcile(context.Background(), Notification{Reference: initiated.Reference, Status: "FAILED"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != models.OutcomeApplied || result.Status != models.StatusFailed {
		t.Fatalf("result = %+v", result)
	}
	tx := h.transaction(t, initiated.Reference)
	if tx.FailureReason != "gateway reported FAILED" || tx.CompletedAt == nil {
		t.Errorf("transaction = %+v", tx)
	}
	if h.gateway.RefreshCalls() != 0 {
		t.Error("failure notification should not be re-queried")
	}
}

func TestReconcileIgnoresNonDefinitiveStatus(t *testing.T) {
	h := newHarness(t)
	initiated := h.initiate(t)

	for _, status := range []string{"PAYMENT_IN_PROGRESS", "REQUEST.INITIATED", ""} {
		result, err := h.reconciler.Reconcile(context.Background(), Notification{Reference: initiated.Reference, Status: status})
		if err != nil {
			t.Fatalf("%q: %v", status, err)
		}
		if result.Outcome != models.OutcomeIgnored || result.Status != models.StatusPendingRedirect {
			t.Errorf("%q: result = %+v", status, result)
		}
	}
}

func TestReconcileVerification(t *testing.T) {
	tests := []struct {
		name        string
		refresh     func(context.Context, string) (*paymentgateway.StatusResult, error)
		wantErr     error
		wantOutcome models.WebhookOutcome
		wantStatus  models.TransactionStatus
	}{
		{
			name: "gateway confirms failure",
			refresh: func(_ context.Context, id string) (*paymentgateway.StatusResult, error) {
				return &paymentgateway.StatusResult{Status: paymentgateway.StatusFailed, GatewayRequestID: id, VendorStatus: "CANCELLED"}, nil
			},
			wantOutcome: models.OutcomeApplied,
			wantStatus:  models.StatusFailed,
		},
		{
			name: "gateway still pending",
			refresh: func(_ context.Context, id string) (*paymentgateway.StatusResult, error) {
				return &paymentgateway.StatusResult{Status: paymentgateway.StatusPending, GatewayRequestID: id}, nil
			},
			wantOutcome: models.OutcomeUnverified,
			wantStatus:  models.StatusPendingRedirect,
		},
		{
			name: "request belongs to another reference",
			refresh: func(_ context.Context, id string) (*paymentgateway.StatusResult, error) {
				return &paymentgateway.StatusResult{Status: paymentgateway.StatusSucceeded, GatewayRequestID: id, Reference: "PAYSOMEONEELSE"}, nil
			},
			wantOutcome: models.OutcomeRejected,
			wantStatus:  models.StatusPendingRedirect,
		},
		{
			name: "gateway unavailable",
			refresh: func(context.Context, string) (*paymentgateway.StatusResult, error) {
				return nil, paymentgateway.ErrUnavailable
			},
			wantErr:    ErrGatewayUnavailable,
			wantStatus: models.StatusPendingRedirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			initiated := h.initiate(t)
			h.gateway.RefreshFunc = tt.refresh

			result, err := h.reconciler.Reconcile(context.Background(), Notification{
				Reference:        initiated.Reference,
				GatewayRequestID: "FORGED",
				Status:           "SUCCESSFUL",
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("Reconcile: %v", err)
				}
				if result.Outcome != tt.wantOutcome {
					t.Errorf("outcome = %s, want %s", result.Outcome, tt.wantOutcome)
				}
			}

			if got := h.transaction(t, initiated.Reference).Status; got != tt.wantStatus {
				t.Errorf("status = %s, want %s", got, tt.wantStatus)
			}
			if h.gateway.refreshCalls[0] != "REQ-"+initiated.Reference {
				t.Errorf("re-queried %q, want the stored request id", h.gateway.refreshCalls[0])
			}
		})
	}
}

func TestReconcileWithoutVerification(t *testing.T) {
	h := newHarness(t)
	h.reconciler.cfg.VerifyUnconfirmed = false
	initiated := h.initiate(t)

	result, err := h.reconciler.Reconcile(context.Background(), Notification{Reference: initiated.Reference, Status: "COMPLETED"})
	if err != nil || result.Outcome != models.OutcomeApplied {
		t.Fatalf("Reconcile = %+v, %v", result, err)
	}
	if h.gateway.RefreshCalls() != 0 {
		t.Errorf("refresh calls = %d", h.gateway.RefreshCalls())
	}
}

func TestReconcileSuccessWithoutAnyRequestID(t *testing.T) {
	h := newHarness(t)
	h.gateway.ChargeFunc = func(context.Context, paymentgateway.ChargeRequest) (*paymentgateway.ChargeResult, error) {
		return nil, paymentgateway.ErrUnavailable
	}
	txs := initiateExpectingError(t, h)

	result, err := h.reconciler.Reconcile(context.Background(), Notification{Reference: txs.Reference, Status: "COMPLETED"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Outcome != models.OutcomeUnverified || result.Status != models.StatusInitiated {
		t.Errorf("result = %+v", result)
	}
}

func TestReconcileRepairsMissingEntitlement(t *testing.T) {
	h := newHarness(t)
	h.entitlements.failures = 1
	initiated := h.initiate(t)
	n := Notification{Reference: initiated.Reference, GatewayRequestID: "REQ-" + initiated.Reference, Status: "SUCCESSFUL"}

	first, err := h.reconciler.Reconcile(context.Background(), n)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Outcome != models.OutcomeApplied || first.Status != models.StatusSucceeded {
		t.Fatalf("first = %+v", first)
	}
	if tx := h.transaction(t, initiated.Reference); tx.EntitlementApplied {
		t.Fatal("entitlementApplied set although the write failed")
	}
	if h.entitlement(t).Paid {
		t.Fatal("entitlement paid although the write failed")
	}

	second, err := h.reconciler.Reconcile(context.Background(), n)
	if err != nil || second.Outcome != models.OutcomeRepaired {
		t.Fatalf("second = %+v, %v", second, err)
	}
	if !h.entitlement(t).Paid || !h.transaction(t, initiated.Reference).EntitlementApplied {
		t.Error("repair did not apply the entitlement")
	}

	third, err := h.reconciler.Reconcile(context.Background(), n)
	if err != nil || third.Outcome != models.OutcomeDuplicate {
		t.Fatalf("third = %+v, %v", third, err)
	}
}

func TestReconcileConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	initiated := h.initiate(t)
	n := Notification{Reference: initiated.Reference, GatewayRequestID: "REQ-" + initiated.Reference, Status: "SUCCESSFUL"}

	const deliveries = 20
	outcomes := make(chan models.WebhookOutcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.reconciler.Reconcile(context.Background(), n)
			if err != nil {
				t.Errorf("Reconcile: %v", err)
				return
			}
			outcomes <- result.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	applied, repaired := 0, 0
	for outcome := range outcomes {
		switch outcome {
		case models.OutcomeApplied:
			applied++
		case models.OutcomeRepaired:
			// only when a duplicate wrote the entitlement before the winner did
			repaired++
		case models.OutcomeDuplicate:
		default:
			t.Errorf("unexpected outcome %s", outcome)
		}
	}
	if applied != 1 {
		t.Errorf("%d deliveries applied the transition, want exactly 1", applied)
	}
	if repaired > 1 {
		t.Errorf("%d deliveries reported a repair, want at most 1", repaired)
	}
	if refs := h.entitlement(t).AppliedReferences; len(refs) != 1 {
		t.Errorf("applied references = %v, want one", refs)
	}

	succeeded := 0
	for _, state := range h.publisher.States() {
		if state == string(models.StatusSucceeded) {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("published %d SUCCEEDED events, want 1", succeeded)
	}
}

func TestReconcileRepairAlreadyAppliedReportsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.entitlements.failures = 1
	initiated := h.initiate(t)
	n := Notification{Reference: initiated.Reference, GatewayRequestID: "REQ-" + initiated.Reference, Status: "SUCCESSFUL"}

	if _, err := h.reconciler.Reconcile(context.Background(), n); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// another delivery wrote the entitlement but has not marked the transaction yet
	if applied, err := h.entitlements.Apply(context.Background(), testPayer, initiated.Reference, farFuture); err != nil || !applied {
		t.Fatalf("Apply = %v, %v", applied, err)
	}

	result, err := h.reconciler.Reconcile(context.Background(), n)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if result.Outcome != models.OutcomeDuplicate {
		t.Errorf("outcome = %s, want duplicate", result.Outcome)
	}
	if !h.transaction(t, initiated.Reference).EntitlementApplied {
		t.Error("transaction not marked after the entitlement was found in place")
	}
}

func TestEntitlementStaysPaidAfterLaterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.initiate(t)
	if _, err := h.reconciler.Reconcile(ctx, Notification{Reference: first.Reference, GatewayRequestID: "REQ-" + first.Reference, Status: "SUCCESSFUL"}); err != nil {
		t.Fatalf("settle first: %v", err)
	}
	paid := h.entitlement(t)
	if !paid.Paid {
		t.Fatal("first payment did not pay the entitlement")
	}

	second := h.initiate(t)
	result, err := h.reconciler.Reconcile(ctx, Notification{Reference: second.Reference, Status: "FAILED"})
	if err != nil {
		t.Fatalf("fail second: %v", err)
	}
	if result.Status != models.StatusFailed {
		t.Fatalf("second status = %s", result.Status)
	}

	after := h.entitlement(t)
	if !after.Paid || after.LastTransactionReference != first.Reference {
		t.Errorf("entitlement after a later failure = %+v, want paid by %s", after, first.Reference)
	}
	if !after.PaidAt.Equal(*paid.PaidAt) {
		t.Errorf("paidAt moved from %v to %v", paid.PaidAt, after.PaidAt)
	}
}

func initiateExpectingError(t *testing.T, h *harness) *models.Transaction {
	t.Helper()
	if _, err := h.payments.Initiate(context.Background(), InitiateRequest{
		PayerIdentity: testPayer,
		Amount:        decimalFive(),
		Memo:          "SKILL",
	}); err == nil {
		t.Fatal("Initiate succeeded, want an error")
	}
	txs, err := h.transactions.FindByPayer(context.Background(), testPayer, 1, 1)
	if err != nil || len(txs) != 1 {
		t.Fatalf("FindByPayer = %d, %v", len(txs), err)
	}
	return txs[0]
}
