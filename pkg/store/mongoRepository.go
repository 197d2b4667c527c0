package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MongoSnapshotRepository stores order snapshots as documents, one per snapshot.
type MongoSnapshotRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoSnapshotRepository(client *mongo.Client, database, collection string) *MongoSnapshotRepository {
	return &MongoSnapshotRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoSnapshotRepository) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "SaveSnapshot")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	if _, err := collection.InsertOne(ctx, snap); err != nil {
		recordSpanError(span, err)
		return &StoreError{Op: "SaveSnapshot", Err: err}
	}

	addDBStatsToSpan(span, "mongodb", "SaveSnapshot", 1, time.Since(startTime))
	return nil
}

func (m *MongoSnapshotRepository) LatestSnapshot(ctx context.Context, orderID string) (Snapshot, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "LatestSnapshot")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{"order_id": orderID}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var snap Snapshot
	if err := collection.FindOne(ctx, filter, opts).Decode(&snap); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Snapshot{}, ErrNotFound
		}
		recordSpanError(span, err)
		return Snapshot{}, &StoreError{Op: "LatestSnapshot", Err: err}
	}

	addDBStatsToSpan(span, "mongodb", "LatestSnapshot", 1, time.Since(startTime))
	return snap, nil
}

// EnsureIndexes creates the (order_id, created_at desc) lookup index.
func (m *MongoSnapshotRepository) EnsureIndexes(ctx context.Context) error {
	collection := m.client.Database(m.database).Collection(m.collection)
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "order_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	return err
}

func (m *MongoSnapshotRepository) Close() error {
	return m.client.Disconnect(context.Background())
}
