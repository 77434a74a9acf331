// Package repositorytest holds behaviour every repository backend must share.
// Backends run it from their own tests.
package repositorytest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
)

// Stores is one backend under test
type Stores struct {
	Transactions repositories.TransactionRepository
	Entitlements repositories.EntitlementRepository
	Webhooks     repositories.WebhookEventRepository
}

// Run exercises s. Data is namespaced per call so backends may share a database.
func Run(t *testing.T, s Stores) {
	t.Run("CompareAndSetStatus", func(t *testing.T) { testCompareAndSet(t, s) })
	t.Run("SingleCASWinner", func(t *testing.T) { testSingleWinner(t, s) })
	t.Run("StaleAndPendingEntitlements", func(t *testing.T) { testStale(t, s) })
	t.Run("EntitlementAppliedOnce", func(t *testing.T) { testApplyOnce(t, s) })
	t.Run("WebhookAuditTrail", func(t *testing.T) { testWebhooks(t, s) })
}

func reference() string {
	return "PAY" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}

func create(t *testing.T, repo repositories.TransactionRepository, status models.TransactionStatus) *models.Transaction {
	t.Helper()
	tx := &models.Transaction{
		Reference:     reference(),
		PayerIdentity: "payer-" + uuid.NewString() + "@x.com",
		WalletNumber:  "237670000001",
		Memo:          "SKILL",
		Amount:        models.NewAmount(decimal.RequireFromString("5000.50")),
		Currency:      "XAF",
		Status:        status,
	}
	if err := repo.Create(context.Background(), tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tx
}

func testCompareAndSet(t *testing.T, s Stores) {
	ctx := context.Background()
	tx := create(t, s.Transactions, models.StatusInitiated)

	if err := s.Transactions.Create(ctx, &models.Transaction{
		Reference: tx.Reference, PayerIdentity: tx.PayerIdentity, Memo: "SKILL",
		Amount: tx.Amount, Currency: "XAF", Status: models.StatusInitiated,
	}); !errors.Is(err, repositories.ErrDuplicate) {
		t.Errorf("duplicate Create err = %v, want ErrDuplicate", err)
	}

	stored, err := s.Transactions.FindByReference(ctx, tx.Reference)
	if err != nil {
		t.Fatalf("FindByReference: %v", err)
	}
	if !stored.Amount.Equal(tx.Amount.Decimal) || stored.Status != models.StatusInitiated {
		t.Errorf("stored = %+v", stored)
	}

	updated, err := s.Transactions.CompareAndSetStatus(ctx, tx.Reference, models.StatusInitiated, repositories.StatusUpdate{
		Status:            models.StatusPendingRedirect,
		GatewayRequestID:  "REQ-" + tx.Reference,
		RedirectRequestID: "RED-" + tx.Reference,
		RedirectURL:       "https://pay.test/" + tx.Reference,
	})
	if err != nil {
		t.Fatalf("CompareAndSetStatus: %v", err)
	}
	if updated.Status != models.StatusPendingRedirect || updated.RedirectRequestID != "RED-"+tx.Reference {
		t.Errorf("updated = %+v", updated)
	}

	byID, err := s.Transactions.FindByGatewayRequestID(ctx, "RED-"+tx.Reference)
	if err != nil || byID.Reference != tx.Reference {
		t.Errorf("FindByGatewayRequestID = %v, %v", byID, err)
	}

	if _, err := s.Transactions.CompareAndSetStatus(ctx, tx.Reference, models.StatusInitiated, repositories.StatusUpdate{Status: models.StatusFailed}); !errors.Is(err, repositories.ErrConflict) {
		t.Errorf("stale CAS err = %v, want ErrConflict", err)
	}
	if _, err := s.Transactions.CompareAndSetStatus(ctx, reference(), models.StatusInitiated, repositories.StatusUpdate{Status: models.StatusFailed}); !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("unknown CAS err = %v, want ErrNotFound", err)
	}

	completedAt := time.Now().UTC().Truncate(time.Millisecond)
	done, err := s.Transactions.CompareAndSetStatus(ctx, tx.Reference, models.StatusPendingRedirect, repositories.StatusUpdate{
		Status:      models.StatusSucceeded,
		CompletedAt: &completedAt,
	})
	if err != nil {
		t.Fatalf("CompareAndSetStatus: %v", err)
	}
	if done.GatewayRequestID != "REQ-"+tx.Reference || done.RedirectURL == "" {
		t.Errorf("empty update fields overwrote stored values: %+v", done)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(completedAt) {
		t.Errorf("completedAt = %v, want %v", done.CompletedAt, completedAt)
	}

	page, err := s.Transactions.FindByPayer(ctx, tx.PayerIdentity, 1, 10)
	if err != nil || len(page) != 1 {
		t.Errorf("FindByPayer = %d rows, %v", len(page), err)
	}
}

func testSingleWinner(t *testing.T, s Stores) {
	ctx := context.Background()
	tx := create(t, s.Transactions, models.StatusPendingRedirect)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transactions.CompareAndSetStatus(ctx, tx.Reference, models.StatusPendingRedirect, repositories.StatusUpdate{Status: models.StatusSucceeded}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := wins.Load(); n != 1 {
		t.Errorf("%d callers won the CAS, want 1", n)
	}
}

func testStale(t *testing.T, s Stores) {
	ctx := context.Background()
	open := create(t, s.Transactions, models.StatusInitiated)
	done := create(t, s.Transactions, models.StatusPendingRedirect)
	if _, err := s.Transactions.CompareAndSetStatus(ctx, done.Reference, models.StatusPendingRedirect, repositories.StatusUpdate{Status: models.StatusSucceeded}); err != nil {
		t.Fatalf("CompareAndSetStatus: %v", err)
	}

	stale, err := s.Transactions.FindStale(ctx, time.Now().Add(time.Minute), 1000)
	if err != nil {
		t.Fatalf("FindStale: %v", err)
	}
	if !contains(stale, open.Reference) || contains(stale, done.Reference) {
		t.Errorf("stale rows wrong: open listed=%v, terminal listed=%v", contains(stale, open.Reference), contains(stale, done.Reference))
	}

	if none, _ := s.Transactions.FindStale(ctx, time.Now().Add(-time.Hour), 1000); contains(none, open.Reference) {
		t.Error("fresh transaction reported stale")
	}

	pending, err := s.Transactions.FindPendingEntitlements(ctx, 1000)
	if err != nil {
		t.Fatalf("FindPendingEntitlements: %v", err)
	}
	if !contains(pending, done.Reference) {
		t.Fatalf("succeeded transaction missing from pending entitlements")
	}
	if err := s.Transactions.MarkEntitlementApplied(ctx, done.Reference); err != nil {
		t.Fatalf("MarkEntitlementApplied: %v", err)
	}
	if pending, _ := s.Transactions.FindPendingEntitlements(ctx, 1000); contains(pending, done.Reference) {
		t.Error("pending after MarkEntitlementApplied")
	}
}

func testApplyOnce(t *testing.T, s Stores) {
	ctx := context.Background()
	payer := "payer-" + uuid.NewString() + "@x.com"
	ref := reference()
	at := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.Entitlements.Ensure(ctx, payer); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if e, err := s.Entitlements.FindByPayer(ctx, payer); err != nil || e.Paid {
		t.Fatalf("fresh entitlement = %+v, %v", e, err)
	}

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Entitlements.Apply(ctx, payer, ref, at)
			if err != nil {
				t.Errorf("Apply: %v", err)
				return
			}
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := applied.Load(); n != 1 {
		t.Errorf("Apply reported %d applications, want 1", n)
	}

	if ok, err := s.Entitlements.Apply(ctx, payer, ref, at.Add(time.Hour)); err != nil || ok {
		t.Errorf("repeat Apply = %v, %v", ok, err)
	}

	e, err := s.Entitlements.FindByPayer(ctx, payer)
	if err != nil {
		t.Fatalf("FindByPayer: %v", err)
	}
	if !e.Paid || e.LastTransactionReference != ref || e.PaidAt == nil || !e.PaidAt.Equal(at) {
		t.Errorf("entitlement = %+v", e)
	}
}

func testWebhooks(t *testing.T, s Stores) {
	ctx := context.Background()
	ref := reference()

	for i, outcome := range []models.WebhookOutcome{models.OutcomeApplied, models.OutcomeDuplicate} {
		event := models.NewWebhookEvent(uuid.NewString(), []byte(`{"reference":"`+ref+`"}`))
		event.Reference = ref
		event.Status = "COMPLETED"
		event.Outcome = outcome
		event.ReceivedAt = event.ReceivedAt.Add(time.Duration(i) * time.Second)
		if err := s.Webhooks.Record(ctx, event); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	events, err := s.Webhooks.FindByReference(ctx, ref)
	if err != nil {
		t.Fatalf("FindByReference: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Outcome != models.OutcomeApplied || events[1].Outcome != models.OutcomeDuplicate {
		t.Errorf("outcomes = %s, %s", events[0].Outcome, events[1].Outcome)
	}
}

func contains(txs []*models.Transaction, reference string) bool {
	for _, tx := range txs {
		if tx.Reference == reference {
			return true
		}
	}
	return false
}
