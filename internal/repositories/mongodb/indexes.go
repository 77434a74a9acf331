package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the indexes the payment flow relies on. The unique
// indexes on reference and payerIdentity are what make Create and Apply safe
// under concurrent requests.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		"transactions": {
			{Keys: bson.D{{Key: "reference", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "gatewayRequestId", Value: 1}}, Options: options.Index().SetSparse(true)},
			{Keys: bson.D{{Key: "redirectRequestId", Value: 1}}, Options: options.Index().SetSparse(true)},
			{Keys: bson.D{{Key: "payerIdentity", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		},
		"entitlements": {
			{Keys: bson.D{{Key: "payerIdentity", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"webhook_events": {
			{Keys: bson.D{{Key: "reference", Value: 1}, {Key: "receivedAt", Value: 1}}},
		},
		"users": {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "phone", Value: 1}}},
		},
	}

	for collection, indexes := range specs {
		if _, err := db.Collection(collection).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("create indexes on %s: %w", collection, err)
		}
	}
	return nil
}
