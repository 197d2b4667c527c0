package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/zoff-tech/go-saga/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

// messageWriter is the subset of *kafka.Writer the broker uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBrokerCreator defines a function type for creating Kafka brokers.
type KafkaBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

// NewKafkaBroker creates a synchronous, hash-partitioned writer that waits
// for all in-sync replicas.
var NewKafkaBroker KafkaBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if len(settings.Brokers) == 0 {
		return nil, errors.New("kafka brokers must not be empty")
	}
	writeTimeout := settings.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(settings.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
	}
	return newKafkaBroker(w), nil
}

type kafkaBroker struct {
	writer messageWriter
	tracer trace.Tracer
}

func newKafkaBroker(w messageWriter) *kafkaBroker {
	return &kafkaBroker{writer: w, tracer: otel.Tracer(tracerName)}
}

func (k *kafkaBroker) Publish(ctx context.Context, msg Message) error {
	ctx, span := k.tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
			semconv.MessagingKafkaMessageKeyKey.String(msg.Key),
		),
	)
	defer span.End()

	headers := withTraceHeaders(ctx, msg.Headers)
	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: kafkaHeaders,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("kafka publish to %s: %w", msg.Topic, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Value)),
	)
	return nil
}

func (k *kafkaBroker) Close() error {
	return k.writer.Close()
}
