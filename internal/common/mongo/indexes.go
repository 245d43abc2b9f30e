package mongo

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexDefinition defines a MongoDB index
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer creates indexes on startup
type IndexInitializer struct {
	client *Client
}

// NewIndexInitializer creates a new index initializer
func NewIndexInitializer(client *Client) *IndexInitializer {
	return &IndexInitializer{client: client}
}

// Initialize creates all required indexes
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	indexes := i.getIndexDefinitions()

	for _, idx := range indexes {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("Failed to create index (may already exist)",
				"error", err,
				"collection", idx.Collection)
		}
	}

	slog.Info("Index initialization complete", "count", len(indexes))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	collection := i.client.Collection(idx.Collection)

	indexModel := mongo.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	}

	_, err := collection.Indexes().CreateOne(ctx, indexModel)
	return err
}

func (i *IndexInitializer) getIndexDefinitions() []IndexDefinition {
	return []IndexDefinition{
		// router_warnings: dashboard queries list newest first, filter by
		// severity and acknowledgement
		{
			Collection: "router_warnings",
			Keys:       bson.D{{Key: "timestamp", Value: -1}},
		},
		{
			Collection: "router_warnings",
			Keys:       bson.D{{Key: "severity", Value: 1}, {Key: "timestamp", Value: -1}},
		},
		{
			Collection: "router_warnings",
			Keys:       bson.D{{Key: "acknowledged", Value: 1}, {Key: "timestamp", Value: -1}},
		},

		// router_locks: abandoned leases expire on their own so a crashed
		// pair never wedges the election
		{
			Collection: "router_locks",
			Keys:       bson.D{{Key: "expiresAt", Value: 1}},
			Options:    options.Index().SetExpireAfterSeconds(60),
		},
	}
}
