package models

import "testing"

func TestCanTransitionTo(t *testing.T) {
	all := []TransactionStatus{StatusInitiated, StatusPendingRedirect, StatusSucceeded, StatusFailed}
	allowed := map[[2]TransactionStatus]bool{
		{StatusInitiated, StatusPendingRedirect}: true,
		{StatusInitiated, StatusSucceeded}:       true,
		{StatusInitiated, StatusFailed}:          true,
		{StatusPendingRedirect, StatusSucceeded}: true,
		{StatusPendingRedirect, StatusFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]TransactionStatus{from, to}]
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for status, want := range map[TransactionStatus]bool{
		StatusInitiated:       false,
		StatusPendingRedirect: false,
		StatusSucceeded:       true,
		StatusFailed:          true,
	} {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v", status, got)
		}
	}
	if TransactionStatus("REFUNDED").IsValid() {
		t.Error("unknown status reported valid")
	}
}

func TestLatestRequestIDPrefersRedirect(t *testing.T) {
	tx := &Transaction{GatewayRequestID: "REQ1"}
	if tx.LatestRequestID() != "REQ1" {
		t.Errorf("LatestRequestID = %q", tx.LatestRequestID())
	}
	tx.RedirectRequestID = "REQ2"
	if tx.LatestRequestID() != "REQ2" {
		t.Errorf("LatestRequestID = %q", tx.LatestRequestID())
	}
	if ids := tx.KnownRequestIDs(); len(ids) != 2 {
		t.Errorf("KnownRequestIDs = %v", ids)
	}
}

func TestNeedsEntitlementRepair(t *testing.T) {
	tx := &Transaction{Status: StatusSucceeded}
	if !tx.NeedsEntitlementRepair() {
		t.Error("success without entitlement should need repair")
	}
	tx.EntitlementApplied = true
	if tx.NeedsEntitlementRepair() {
		t.Error("applied success should not need repair")
	}
	if (&Transaction{Status: StatusFailed}).NeedsEntitlementRepair() {
		t.Error("failure should never need repair")
	}
}
