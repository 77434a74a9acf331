package memory

import (
	"context"
	"sync"

	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)

// WebhookEventRepository appends events to a slice
type WebhookEventRepository struct {
	mu     sync.RWMutex
	events []*models.WebhookEvent
}

// NewWebhookEventRepository creates an empty repository
func NewWebhookEventRepository() *WebhookEventRepository {
	return &WebhookEventRepository{}
}

// Record appends a copy of event
func (r *WebhookEventRepository) Record(ctx context.Context, event *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event.ID = primitive.NewObjectID()
	c := *event
	r.events = append(r.events, &c)
	return nil
}

// FindByReference returns the events for reference in arrival order
func (r *WebhookEventRepository) FindByReference(ctx context.Context, reference string) ([]*models.WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := []*models.WebhookEvent{}
	for _, e := range r.events {
		if e.Reference == reference {
			c := *e
			events = append(events, &c)
		}
	}
	return events, nil
}

// All returns every recorded event
func (r *WebhookEventRepository) All() []*models.WebhookEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.WebhookEvent(nil), r.events...)
}
