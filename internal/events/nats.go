package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// NATSPublisher publishes events on a NATS subject
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("skillshub-payments"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if subject == "" {
		subject = StateChangedTopic
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// PublishStateChanged publishes event with trace context in the message header
func (p *NATSPublisher) PublishStateChanged(ctx context.Context, event StateChanged) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal state changed event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	msg.Header.Set(nats.MsgIdHdr, event.EventID)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish state changed event: %w", err)
	}
	return nil
}

// Close drains the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
