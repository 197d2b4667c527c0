package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-saga/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const snapshotCollection = "order_snapshots"

// SnapshotStore is a SnapshotRepository that owns a connection.
type SnapshotStore interface {
	SnapshotRepository
	Close() error
}

var sqlOpen = sql.Open

var NewSpannerSnapshotRepositoryFactory = func(ctx context.Context, uri string) (SnapshotStore, error) {
	client, err := spanner.NewClient(ctx, uri)
	if err != nil {
		return nil, err
	}
	return NewSpannerSnapshotRepository(client), nil
}

var NewMongoSnapshotRepositoryFactory = func(ctx context.Context, uri, database string) (SnapshotStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return NewMongoSnapshotRepository(client, database, snapshotCollection), nil
}

// NewRepository opens the participant store.
func NewRepository(ctx context.Context, cfg config.DbSettings) (Store, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return NewPostgresRepository(db), nil
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

// NewSnapshotRepository opens the snapshot store. The postgres and memory
// kinds reuse primary, which must then implement SnapshotRepository.
func NewSnapshotRepository(ctx context.Context, cfg config.SnapshotSettings, primary Store) (SnapshotStore, error) {
	switch cfg.Store {
	case "postgres", "memory":
		snapshots, ok := primary.(SnapshotStore)
		if !ok {
			return nil, fmt.Errorf("primary store %T cannot hold snapshots", primary)
		}
		return snapshots, nil
	case "mongo":
		database := cfg.Database
		if database == "" {
			database = "saga"
		}
		return NewMongoSnapshotRepositoryFactory(ctx, cfg.URI, database)
	case "spanner":
		return NewSpannerSnapshotRepositoryFactory(ctx, cfg.URI)
	default:
		return nil, fmt.Errorf("unsupported snapshot store: %s", cfg.Store)
	}
}
