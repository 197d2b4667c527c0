package eventlog

import (
	"context"
	"time"
)

// Record is one message read back from a partitioned log.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// Scanner reads a topic partition by partition. It is the replay handle and
// is not safe for concurrent use; share it through a ScannerPool.
type Scanner interface {
	Partitions(ctx context.Context, topic string) ([]int, error)
	// Scan calls fn for each record of partition starting at offset from, in
	// offset order, until a poll comes back empty or fn returns false.
	Scan(ctx context.Context, topic string, partition int, from int64, fn func(Record) bool) error
	Close() error
}

// Source is a consumer-group subscription to one topic.
type Source interface {
	// Fetch blocks until a record is available or ctx is done.
	Fetch(ctx context.Context) (Record, error)
	// Commit marks rec and everything before it on its partition as consumed.
	Commit(ctx context.Context, rec Record) error
	Close() error
}
