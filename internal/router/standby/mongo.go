package standby

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// lockDocument is the lease record stored in the coordination collection.
type lockDocument struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// MongoLockProvider implements LockProvider against a MongoDB collection,
// for deployments that already run MongoDB and don't want a Redis just for
// coordination. Leases rely on wall-clock expiry, so instance clocks must
// be reasonably synchronized.
type MongoLockProvider struct {
	collection *mongo.Collection
}

// NewMongoLockProvider creates a provider using the given database. Locks
// live in the "router_locks" collection.
func NewMongoLockProvider(db *mongo.Database) *MongoLockProvider {
	return &MongoLockProvider{collection: db.Collection("router_locks")}
}

// TryAcquire atomically takes the lock when it is absent, expired, or
// already ours.
func (p *MongoLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()

	filter := bson.M{
		"_id": key,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": instanceID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"instanceId": instanceID,
			"acquiredAt": now,
			"expiresAt":  now.Add(ttl),
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result lockDocument
	err := p.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Held unexpired by another instance
			return false, nil
		}
		return false, fmt.Errorf("mongo lock acquire: %w", err)
	}

	return result.InstanceID == instanceID, nil
}

// Refresh extends the lease only while this instance still holds it.
func (p *MongoLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	filter := bson.M{"_id": key, "instanceId": instanceID}
	update := bson.M{"$set": bson.M{"expiresAt": time.Now().Add(ttl)}}

	result, err := p.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mongo lock refresh: %w", err)
	}
	return result.MatchedCount == 1, nil
}

// Release deletes the lease if held by this instance.
func (p *MongoLockProvider) Release(ctx context.Context, key, instanceID string) error {
	_, err := p.collection.DeleteOne(ctx, bson.M{"_id": key, "instanceId": instanceID})
	if err != nil {
		return fmt.Errorf("mongo lock release: %w", err)
	}
	slog.Info("Released coordination lock", "key", key)
	return nil
}

// GetHolder returns the instance currently holding an unexpired lease.
func (p *MongoLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	var doc lockDocument
	err := p.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", err
	}
	if time.Now().After(doc.ExpiresAt) {
		return "", nil
	}
	return doc.InstanceID, nil
}

// IsAvailable pings the underlying deployment.
func (p *MongoLockProvider) IsAvailable(ctx context.Context) bool {
	return p.collection.Database().Client().Ping(ctx, nil) == nil
}

// Close is a no-op; the mongo client is owned by the application.
func (p *MongoLockProvider) Close() error {
	return nil
}
