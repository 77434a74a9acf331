package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Entitlement is the per-payer "has paid" flag. AppliedReferences holds every
// transaction reference whose success has been applied, so a re-delivered
// success never applies twice.
type Entitlement struct {
	ID                       primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	PayerIdentity            string             `bson:"payerIdentity" json:"payerIdentity"`
	Paid                     bool               `bson:"paid" json:"paid"`
	LastTransactionReference string             `bson:"lastTransactionReference,omitempty" json:"lastTransactionReference,omitempty"`
	AppliedReferences        []string           `bson:"appliedReferences,omitempty" json:"-"`
	PaidAt                   *time.Time         `bson:"paidAt,omitempty" json:"paidAt,omitempty"`
	CreatedAt                time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt                time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// HasApplied reports whether reference's success has already been recorded
func (e *Entitlement) HasApplied(reference string) bool {
	for _, r := range e.AppliedReferences {
		if r == reference {
			return true
		}
	}
	return false
}
