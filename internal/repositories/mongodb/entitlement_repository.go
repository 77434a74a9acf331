package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Compile-time check to ensure EntitlementRepository implements the interface
var _ repositories.EntitlementRepository = (*EntitlementRepository)(nil)

// EntitlementRepository handles MongoDB operations for Entitlement
type EntitlementRepository struct {
	collection *mongo.Collection
}

// NewEntitlementRepository creates a new EntitlementRepository
func NewEntitlementRepository(db *mongo.Database) *EntitlementRepository {
	return &EntitlementRepository{
		collection: db.Collection("entitlements"),
	}
}

// Ensure upserts an unpaid entitlement without touching an existing one
func (r *EntitlementRepository) Ensure(ctx context.Context, payerIdentity string) error {
	now := time.Now()
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"payerIdentity": payerIdentity},
		bson.M{"$setOnInsert": bson.M{
			"payerIdentity": payerIdentity,
			"paid":          false,
			"createdAt":     now,
			"updatedAt":     now,
		}},
		options.Update().SetUpsert(true),
	)
	// Two concurrent upserts can race on the unique index; the loser's row already exists
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// FindByPayer finds the entitlement of a payer
func (r *EntitlementRepository) FindByPayer(ctx context.Context, payerIdentity string) (*models.Entitlement, error) {
	var entitlement models.Entitlement
	err := r.collection.FindOne(ctx, bson.M{"payerIdentity": payerIdentity}).Decode(&entitlement)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, err
	}
	return &entitlement, nil
}

// Apply sets paid for reference in one atomic update guarded by appliedReferences
func (r *EntitlementRepository) Apply(ctx context.Context, payerIdentity, reference string, at time.Time) (bool, error) {
	filter := bson.M{
		"payerIdentity":     payerIdentity,
		"appliedReferences": bson.M{"$ne": reference},
	}
	update := bson.M{
		"$set": bson.M{
			"paid":                     true,
			"lastTransactionReference": reference,
			"paidAt":                   at,
			"updatedAt":                at,
		},
		"$addToSet":    bson.M{"appliedReferences": reference},
		"$setOnInsert": bson.M{"createdAt": at},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// The upsert collided with the payer's existing document, which already lists reference
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return result.ModifiedCount > 0 || result.UpsertedCount > 0, nil
}
