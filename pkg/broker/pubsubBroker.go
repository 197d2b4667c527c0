package broker

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/zoff-tech/go-saga/pkg/config"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBroker{client: client, topics: map[string]*pubsub.Topic{}}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// topic returns a cached publisher with ordering enabled so messages sharing
// an ordering key are delivered in publish order.
func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t
	}
	t := p.client.Topic(name)
	t.EnableMessageOrdering = true
	p.topics[name] = t
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, msg Message) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
		),
	)
	defer span.End()

	message := &pubsub.Message{
		Data:       msg.Value,
		Attributes: withTraceHeaders(ctx, msg.Headers),
	}

	message.OrderingKey = msg.Key

	t := p.topic(msg.Topic)
	res := t.Publish(ctx, message)
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		// A failed ordered publish pauses the key until resumed.
		t.ResumePublish(msg.Key)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Value)),
	)

	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
