package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Compile-time check to ensure TransactionRepository implements the interface
var _ repositories.TransactionRepository = (*TransactionRepository)(nil)

// TransactionRepository handles MongoDB operations for Transaction
type TransactionRepository struct {
	collection *mongo.Collection
}

// NewTransactionRepository creates a new TransactionRepository
func NewTransactionRepository(db *mongo.Database) *TransactionRepository {
	return &TransactionRepository{
		collection: db.Collection("transactions"),
	}
}

// Create inserts a new transaction
func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	now := time.Now()
	tx.ID = primitive.NewObjectID()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	_, err := r.collection.InsertOne(ctx, tx)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("transaction %s: %w", tx.Reference, repositories.ErrDuplicate)
	}
	return err
}

// FindByReference finds a transaction by its reference
func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	return r.findOne(ctx, bson.M{"reference": reference})
}

// FindByGatewayRequestID finds a transaction by either gateway request id
func (r *TransactionRepository) FindByGatewayRequestID(ctx context.Context, requestID string) (*models.Transaction, error) {
	return r.findOne(ctx, bson.M{"$or": bson.A{
		bson.M{"gatewayRequestId": requestID},
		bson.M{"redirectRequestId": requestID},
	}})
}

func (r *TransactionRepository) findOne(ctx context.Context, filter bson.M) (*models.Transaction, error) {
	var tx models.Transaction
	err := r.collection.FindOne(ctx, filter).Decode(&tx)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// FindByPayer finds a payer's transactions with pagination, newest first
func (r *TransactionRepository) FindByPayer(ctx context.Context, payerIdentity string, page, limit int) ([]*models.Transaction, error) {
	skip, size := repositories.Pagination(page, limit)
	opts := options.Find().
		SetSkip(skip).
		SetLimit(size).
		SetSort(bson.D{{Key: "createdAt", Value: -1}})

	return r.find(ctx, bson.M{"payerIdentity": payerIdentity}, opts)
}

// CompareAndSetStatus updates the transaction only if its status still equals from
func (r *TransactionRepository) CompareAndSetStatus(ctx context.Context, reference string, from models.TransactionStatus, update repositories.StatusUpdate) (*models.Transaction, error) {
	set := bson.M{
		"status":    update.Status,
		"updatedAt": time.Now(),
	}
	if update.GatewayRequestID != "" {
		set["gatewayRequestId"] = update.GatewayRequestID
	}
	if update.RedirectRequestID != "" {
		set["redirectRequestId"] = update.RedirectRequestID
	}
	if update.RedirectURL != "" {
		set["redirectUrl"] = update.RedirectURL
	}
	if update.FailureReason != "" {
		set["failureReason"] = update.FailureReason
	}
	if update.CompletedAt != nil {
		set["completedAt"] = *update.CompletedAt
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var tx models.Transaction
	err := r.collection.FindOneAndUpdate(ctx,
		bson.M{"reference": reference, "status": from},
		bson.M{"$set": set},
		opts,
	).Decode(&tx)
	if err == nil {
		return &tx, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	// Nothing matched: either the reference is unknown or the status moved on
	if _, findErr := r.FindByReference(ctx, reference); findErr != nil {
		return nil, findErr
	}
	return nil, fmt.Errorf("transaction %s no longer %s: %w", reference, from, repositories.ErrConflict)
}

// MarkEntitlementApplied records that the success side effect has committed
func (r *TransactionRepository) MarkEntitlementApplied(ctx context.Context, reference string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"reference": reference},
		bson.M{"$set": bson.M{"entitlementApplied": true, "updatedAt": time.Now()}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// FindStale lists non-terminal transactions created before olderThan
func (r *TransactionRepository) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*models.Transaction, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "createdAt", Value: 1}})

	filter := bson.M{
		"status":    bson.M{"$in": models.NonTerminalStatuses()},
		"createdAt": bson.M{"$lt": olderThan},
	}
	return r.find(ctx, filter, opts)
}

// FindPendingEntitlements lists successes whose entitlement write never committed
func (r *TransactionRepository) FindPendingEntitlements(ctx context.Context, limit int) ([]*models.Transaction, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "completedAt", Value: 1}})

	filter := bson.M{
		"status":             models.StatusSucceeded,
		"entitlementApplied": false,
	}
	return r.find(ctx, filter, opts)
}

func (r *TransactionRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*models.Transaction, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var transactions []*models.Transaction
	if err := cursor.All(ctx, &transactions); err != nil {
		return nil, err
	}
	// Return empty slice instead of nil if no documents found
	if transactions == nil {
		transactions = []*models.Transaction{}
	}
	return transactions, nil
}
