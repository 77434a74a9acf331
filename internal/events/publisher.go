// Package events publishes transaction state changes for downstream consumers
// such as payouts.
package events

import (
	"context"
	"time"
)

// StateChangedTopic is the default topic and subject name
const StateChangedTopic = "payment.state.changed"

// StateChanged is emitted after every committed status transition
type StateChanged struct {
	EventID       string    `json:"event_id"`
	Reference     string    `json:"reference"`
	PayerIdentity string    `json:"payer_identity"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	State         string    `json:"state"`
	PreviousState string    `json:"previous_state"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher delivers StateChanged events. Delivery is best effort: the
// transaction store is the source of truth.
type Publisher interface {
	PublishStateChanged(ctx context.Context, event StateChanged) error
	Close() error
}

// Noop drops every event
type Noop struct{}

// PublishStateChanged does nothing
func (Noop) PublishStateChanged(context.Context, StateChanged) error { return nil }

// Close does nothing
func (Noop) Close() error { return nil }
