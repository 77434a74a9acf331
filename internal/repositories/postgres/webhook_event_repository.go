package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
)

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)

// WebhookEventRepository handles PostgreSQL operations for WebhookEvent
type WebhookEventRepository struct {
	pool *pgxpool.Pool
}

// NewWebhookEventRepository creates a new WebhookEventRepository
func NewWebhookEventRepository(pool *pgxpool.Pool) *WebhookEventRepository {
	return &WebhookEventRepository{pool: pool}
}

// Record appends an event to the audit trail
func (r *WebhookEventRepository) Record(ctx context.Context, event *models.WebhookEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, reference, gateway_request_id, status,
			payload, outcome, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.EventID, nullable(event.EventType), nullable(event.Reference), nullable(event.GatewayRequestID),
		nullable(event.Status), event.Payload, string(event.Outcome), nullable(event.Error), event.ReceivedAt)
	return err
}

// FindByReference returns the events for reference in arrival order
func (r *WebhookEventRepository) FindByReference(ctx context.Context, reference string) ([]*models.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, event_type, reference, gateway_request_id, status, payload, outcome, error, received_at
		FROM webhook_events WHERE reference = $1 ORDER BY received_at, id`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*models.WebhookEvent{}
	for rows.Next() {
		var (
			e                                          models.WebhookEvent
			eventType, ref, requestID, status, errText *string
			outcome                                    string
		)
		if err := rows.Scan(&e.EventID, &eventType, &ref, &requestID, &status, &e.Payload, &outcome, &errText, &e.ReceivedAt); err != nil {
			return nil, err
		}
		e.EventType = deref(eventType)
		e.Reference = deref(ref)
		e.GatewayRequestID = deref(requestID)
		e.Status = deref(status)
		e.Outcome = models.WebhookOutcome(outcome)
		e.Error = deref(errText)
		events = append(events, &e)
	}
	return events, rows.Err()
}
