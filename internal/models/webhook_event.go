package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WebhookOutcome describes what reconciliation did with a notification
type WebhookOutcome string

const (
	OutcomeApplied    WebhookOutcome = "applied"
	OutcomeDuplicate  WebhookOutcome = "duplicate"
	OutcomeIgnored    WebhookOutcome = "ignored"
	OutcomeRepaired   WebhookOutcome = "repaired"
	OutcomeUnverified WebhookOutcome = "unverified"
	OutcomeRejected   WebhookOutcome = "rejected"
	OutcomeFailed     WebhookOutcome = "failed"
)

// WebhookEvent is the audit record of one gateway notification
type WebhookEvent struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	EventID          string             `bson:"eventId" json:"eventId"`
	EventType        string             `bson:"eventType,omitempty" json:"eventType,omitempty"`
	Reference        string             `bson:"reference,omitempty" json:"reference,omitempty"`
	GatewayRequestID string             `bson:"gatewayRequestId,omitempty" json:"gatewayRequestId,omitempty"`
	Status           string             `bson:"status,omitempty" json:"status,omitempty"`
	Payload          string             `bson:"payload" json:"payload"`
	Outcome          WebhookOutcome     `bson:"outcome" json:"outcome"`
	Error            string             `bson:"error,omitempty" json:"error,omitempty"`
	ReceivedAt       time.Time          `bson:"receivedAt" json:"receivedAt"`
}

// NewWebhookEvent creates an event stamped with the current time
func NewWebhookEvent(eventID string, payload []byte) *WebhookEvent {
	return &WebhookEvent{
		EventID:    eventID,
		Payload:    string(payload),
		ReceivedAt: time.Now(),
	}
}
