package consumer

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/eventlog"
)

// Headers added to dead-lettered messages.
const (
	HeaderFailureReason     = "x-failure-reason"
	HeaderAttempts          = "x-attempts"
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderConsumerGroup     = "x-consumer-group"
)

// Failure describes why a record was given up on.
type Failure struct {
	Group    string
	Attempts int
	Err      error
}

// DeadLetterSink stores records that exhausted their retries.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, rec eventlog.Record, failure Failure) error
}

// DeadLetterError reports a record that could be neither handled nor dead-lettered.
type DeadLetterError struct {
	Topic     string
	Partition int
	Offset    int64
	Err       error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("dead-letter %s/%d@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}

// BrokerDeadLetter republishes failed records to <topic><suffix> with the
// same key and value.
type BrokerDeadLetter struct {
	broker broker.MessageBroker
	suffix string
}

func NewBrokerDeadLetter(b broker.MessageBroker, suffix string) *BrokerDeadLetter {
	if suffix == "" {
		suffix = ".DLT"
	}
	return &BrokerDeadLetter{broker: b, suffix: suffix}
}

// Topic returns the dead-letter topic for topic.
func (d *BrokerDeadLetter) Topic(topic string) string {
	return topic + d.suffix
}

func (d *BrokerDeadLetter) DeadLetter(ctx context.Context, rec eventlog.Record, failure Failure) error {
	headers := make(map[string]string, len(rec.Headers)+6)
	maps.Copy(headers, rec.Headers)
	reason := "unknown"
	if failure.Err != nil {
		reason = failure.Err.Error()
	}
	headers[HeaderFailureReason] = reason
	headers[HeaderAttempts] = strconv.Itoa(failure.Attempts)
	headers[HeaderOriginalTopic] = rec.Topic
	headers[HeaderOriginalPartition] = strconv.Itoa(rec.Partition)
	headers[HeaderOriginalOffset] = strconv.FormatInt(rec.Offset, 10)
	headers[HeaderConsumerGroup] = failure.Group

	return d.broker.Publish(ctx, broker.Message{
		Topic:   d.Topic(rec.Topic),
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: headers,
	})
}
