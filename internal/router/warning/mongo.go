package warning

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/internal/common/repository"
)

const warningCollection = "router_warnings"

// MongoService persists warnings in MongoDB so they survive restarts and
// are visible across a standby pair. Operational reads fall back to empty
// results on store errors; warnings are advisory, never load-bearing.
type MongoService struct {
	collection *mongo.Collection
	opTimeout  time.Duration
}

// NewMongoService creates a Mongo-backed warning service.
func NewMongoService(db *mongo.Database) *MongoService {
	return &MongoService{
		collection: db.Collection(warningCollection),
		opTimeout:  5 * time.Second,
	}
}

type warningDocument struct {
	ID           string    `bson:"_id"`
	Category     string    `bson:"category"`
	Severity     string    `bson:"severity"`
	Message      string    `bson:"message"`
	Source       string    `bson:"source"`
	Timestamp    time.Time `bson:"timestamp"`
	Acknowledged bool      `bson:"acknowledged"`
}

func (d *warningDocument) toWarning() Warning {
	return Warning{
		ID:           d.ID,
		Category:     d.Category,
		Severity:     d.Severity,
		Message:      d.Message,
		Source:       d.Source,
		Timestamp:    d.Timestamp,
		Acknowledged: d.Acknowledged,
	}
}

// AddWarning inserts a new warning document.
func (s *MongoService) AddWarning(category, severity, message, source string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	doc := warningDocument{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Source:    source,
		Timestamp: time.Now(),
	}

	err := repository.InstrumentVoid(ctx, warningCollection, "insert", func() error {
		_, err := s.collection.InsertOne(ctx, doc)
		return err
	})
	if err != nil {
		slog.Error("Failed to persist warning", "category", category, "error", err)
	}
}

// GetAllWarnings returns all warnings, newest first.
func (s *MongoService) GetAllWarnings() []Warning {
	return s.find(bson.M{})
}

// GetWarningsBySeverity returns warnings filtered by severity.
func (s *MongoService) GetWarningsBySeverity(severity string) []Warning {
	return s.find(bson.M{"severity": severity})
}

// GetUnacknowledgedWarnings returns unacknowledged warnings.
func (s *MongoService) GetUnacknowledgedWarnings() []Warning {
	return s.find(bson.M{"acknowledged": false})
}

func (s *MongoService) find(filter bson.M) []Warning {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	docs, err := repository.Instrument(ctx, warningCollection, "find", func() ([]warningDocument, error) {
		opts := options.Find().SetSort(bson.M{"timestamp": -1}).SetLimit(1000)
		cursor, err := s.collection.Find(ctx, filter, opts)
		if err != nil {
			return nil, err
		}
		defer cursor.Close(ctx)

		var docs []warningDocument
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	})
	if err != nil {
		slog.Error("Failed to read warnings", "error", err)
		return []Warning{}
	}

	out := make([]Warning, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toWarning())
	}
	return out
}

// AcknowledgeWarning marks a warning acknowledged by ID.
func (s *MongoService) AcknowledgeWarning(warningID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	result, err := repository.Instrument(ctx, warningCollection, "update", func() (*mongo.UpdateResult, error) {
		return s.collection.UpdateOne(ctx,
			bson.M{"_id": warningID},
			bson.M{"$set": bson.M{"acknowledged": true}})
	})
	if err != nil {
		slog.Error("Failed to acknowledge warning", "id", warningID, "error", err)
		return false
	}
	return result.MatchedCount == 1
}

// ClearAllWarnings removes every warning.
func (s *MongoService) ClearAllWarnings() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	err := repository.InstrumentVoid(ctx, warningCollection, "delete", func() error {
		_, err := s.collection.DeleteMany(ctx, bson.M{})
		return err
	})
	if err != nil {
		slog.Error("Failed to clear warnings", "error", err)
	}
}

// ClearOldWarnings removes warnings older than the given number of hours.
func (s *MongoService) ClearOldWarnings(hoursOld int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	cutoff := time.Now().Add(-time.Duration(hoursOld) * time.Hour)

	err := repository.InstrumentVoid(ctx, warningCollection, "delete", func() error {
		_, err := s.collection.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
		return err
	})
	if err != nil {
		slog.Error("Failed to clear old warnings", "error", err)
	}
}
