package mongodb

import (
	"context"

	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)

// WebhookEventRepository appends gateway notifications to the webhook_events collection
type WebhookEventRepository struct {
	collection *mongo.Collection
}

// NewWebhookEventRepository creates a new WebhookEventRepository
func NewWebhookEventRepository(db *mongo.Database) *WebhookEventRepository {
	return &WebhookEventRepository{
		collection: db.Collection("webhook_events"),
	}
}

// Record inserts one event
func (r *WebhookEventRepository) Record(ctx context.Context, event *models.WebhookEvent) error {
	event.ID = primitive.NewObjectID()
	_, err := r.collection.InsertOne(ctx, event)
	return err
}

// FindByReference lists the events received for a reference, oldest first
func (r *WebhookEventRepository) FindByReference(ctx context.Context, reference string) ([]*models.WebhookEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "receivedAt", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"reference": reference}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []*models.WebhookEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	if events == nil {
		events = []*models.WebhookEvent{}
	}
	return events, nil
}
