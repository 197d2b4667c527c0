package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zoff-tech/go-saga/pkg/event"
)

// Status represents the status of an outbox record.
type Status string

const (
	StatusNew  Status = "NEW"
	StatusSent Status = "SENT"
)

// CanTransitionTo reports whether the relay may move a record from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusNew && next == StatusSent
}

// OutboxRecord is an event waiting to be relayed to Topic, written in the
// same transaction as the business row it describes.
type OutboxRecord struct {
	ID            string     `json:"id"`
	Seq           int64      `json:"seq"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Topic         string     `json:"topic"`
	Payload       []byte     `json:"payload"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// NewOutboxRecords serializes env once and returns one NEW record per topic.
func NewOutboxRecords(aggregateType string, env event.Envelope, topics ...string) ([]OutboxRecord, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("outbox record for %s: no topic", env.EventID())
	}
	payload, err := event.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", env.EventType(), err)
	}
	now := time.Now().UTC()
	records := make([]OutboxRecord, 0, len(topics))
	for _, topic := range topics {
		records = append(records, OutboxRecord{
			ID:            uuid.NewString(),
			AggregateType: aggregateType,
			AggregateID:   env.AggregateID(),
			EventType:     string(env.EventType()),
			Topic:         topic,
			Payload:       payload,
			Status:        StatusNew,
			CreatedAt:     now,
		})
	}
	return records, nil
}
