package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TransactionStatus is the reconciliation state of one charge attempt
type TransactionStatus string

const (
	StatusInitiated       TransactionStatus = "INITIATED"
	StatusPendingRedirect TransactionStatus = "PENDING_REDIRECT"
	StatusSucceeded       TransactionStatus = "SUCCEEDED"
	StatusFailed          TransactionStatus = "FAILED"
)

// transitions lists the forward moves allowed out of each non-terminal state
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusInitiated:       {StatusPendingRedirect, StatusSucceeded, StatusFailed},
	StatusPendingRedirect: {StatusSucceeded, StatusFailed},
}

// IsTerminal reports whether no further transition is permitted
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsValid reports whether s is one of the known statuses
func (s TransactionStatus) IsValid() bool {
	switch s {
	case StatusInitiated, StatusPendingRedirect, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NonTerminalStatuses returns the statuses a sweep has to look at
func NonTerminalStatuses() []TransactionStatus {
	return []TransactionStatus{StatusInitiated, StatusPendingRedirect}
}

// Transaction records one charge attempt. It is never deleted.
type Transaction struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Reference          string             `bson:"reference" json:"reference"`
	GatewayRequestID   string             `bson:"gatewayRequestId,omitempty" json:"gatewayRequestId,omitempty"`
	RedirectRequestID  string             `bson:"redirectRequestId,omitempty" json:"redirectRequestId,omitempty"`
	RedirectURL        string             `bson:"redirectUrl,omitempty" json:"redirectUrl,omitempty"`
	PayerIdentity      string             `bson:"payerIdentity" json:"payerIdentity"`
	WalletNumber       string             `bson:"walletNumber,omitempty" json:"walletNumber,omitempty"`
	Memo               string             `bson:"memo" json:"memo"`
	Amount             Amount             `bson:"amount" json:"amount"`
	Currency           string             `bson:"currency" json:"currency"`
	Status             TransactionStatus  `bson:"status" json:"status"`
	EntitlementApplied bool               `bson:"entitlementApplied" json:"entitlementApplied"`
	FailureReason      string             `bson:"failureReason,omitempty" json:"failureReason,omitempty"`
	CreatedAt          time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time          `bson:"updatedAt" json:"updatedAt"`
	CompletedAt        *time.Time         `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// KnownRequestIDs returns the gateway identifiers this transaction has been issued
func (t *Transaction) KnownRequestIDs() []string {
	var ids []string
	if t.GatewayRequestID != "" {
		ids = append(ids, t.GatewayRequestID)
	}
	if t.RedirectRequestID != "" {
		ids = append(ids, t.RedirectRequestID)
	}
	return ids
}

// LatestRequestID is the identifier to poll: the redirect request supersedes the direct charge
func (t *Transaction) LatestRequestID() string {
	if t.RedirectRequestID != "" {
		return t.RedirectRequestID
	}
	return t.GatewayRequestID
}

// NeedsEntitlementRepair is true for a success whose side effect never committed
func (t *Transaction) NeedsEntitlementRepair() bool {
	return t.Status == StatusSucceeded && !t.EntitlementApplied
}
