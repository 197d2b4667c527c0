package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
)

// SpannerSnapshotDDL creates the snapshot table on Cloud Spanner.
const SpannerSnapshotDDL = `CREATE TABLE order_snapshots (
    id STRING(36) NOT NULL,
    order_id STRING(64) NOT NULL,
    partition_id INT64 NOT NULL,
    event_offset INT64 NOT NULL,
    event_count INT64 NOT NULL,
    state BYTES(MAX) NOT NULL,
    created_at TIMESTAMP NOT NULL,
) PRIMARY KEY (id)`

var snapshotColumns = []string{"id", "order_id", "partition_id", "event_offset", "event_count", "state", "created_at"}

// SpannerSnapshotRepository stores order snapshots in Cloud Spanner.
type SpannerSnapshotRepository struct {
	client *spanner.Client
	tracer trace.Tracer
}

func NewSpannerSnapshotRepository(client *spanner.Client) *SpannerSnapshotRepository {
	return &SpannerSnapshotRepository{client: client, tracer: otel.Tracer(tracerName)}
}

func (s *SpannerSnapshotRepository) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	ctx, span := s.tracer.Start(ctx, "SaveSnapshot")
	defer span.End()
	start := time.Now()

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Insert("order_snapshots", snapshotColumns, []interface{}{
				snap.ID, snap.OrderID, int64(snap.Partition), snap.EventOffset, int64(snap.EventCount), snap.State, snap.CreatedAt,
			}),
		})
	})
	if err != nil {
		recordSpanError(span, err)
		return &StoreError{Op: "SaveSnapshot", Err: err}
	}
	addDBStatsToSpan(span, "spanner", "SaveSnapshot", 1, time.Since(start))
	return nil
}

func (s *SpannerSnapshotRepository) LatestSnapshot(ctx context.Context, orderID string) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "LatestSnapshot")
	defer span.End()
	start := time.Now()

	stmt := spanner.Statement{
		SQL: `SELECT id, order_id, partition_id, event_offset, event_count, state, created_at FROM order_snapshots
              WHERE order_id = @orderId ORDER BY created_at DESC LIMIT 1`,
		Params: map[string]interface{}{
			"orderId": orderID,
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		recordSpanError(span, err)
		return Snapshot{}, &StoreError{Op: "LatestSnapshot", Err: err}
	}

	var (
		snap                  Snapshot
		partition, eventCount int64
	)
	if err := row.Columns(&snap.ID, &snap.OrderID, &partition, &snap.EventOffset, &eventCount, &snap.State, &snap.CreatedAt); err != nil {
		recordSpanError(span, err)
		return Snapshot{}, &StoreError{Op: "LatestSnapshot", Err: err}
	}
	snap.Partition = int(partition)
	snap.EventCount = int(eventCount)

	addDBStatsToSpan(span, "spanner", "LatestSnapshot", 1, time.Since(start))
	return snap, nil
}

func (s *SpannerSnapshotRepository) Close() error {
	s.client.Close()
	return nil
}
