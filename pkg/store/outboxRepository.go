package store

import (
	"context"
	"time"
)

// OutBoxRepository defines the database operations for outbox records.
type OutBoxRepository interface {
	// InsertOutbox appends records. Inside WithinTx it joins the caller's transaction.
	InsertOutbox(ctx context.Context, records ...OutboxRecord) error
	// FetchPending returns up to batchSize NEW records, oldest first, ties by insertion order.
	FetchPending(ctx context.Context, batchSize int) ([]OutboxRecord, error)
	// MarkSent moves one record NEW -> SENT in its own transaction. It reports
	// false when the record was no longer NEW.
	MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
}
