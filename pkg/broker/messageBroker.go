package broker

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const tracerName = "go-saga"

// Header names set on relayed and dead-lettered messages.
const (
	HeaderEventType     = "event-type"
	HeaderAggregateType = "aggregate-type"
	HeaderOutboxID      = "outbox-id"
)

// Message is one keyed record for a topic. Brokers that partition use Key so
// all messages of one aggregate stay in order.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends msg and returns once the broker acknowledged it.
	Publish(ctx context.Context, msg Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// withTraceHeaders returns a copy of headers with the trace context of ctx injected.
func withTraceHeaders(ctx context.Context, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	maps.Copy(out, headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	return out
}
