package consumer

import (
	"context"
	"errors"

	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/eventlog"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EnvelopeHandler decodes each record into an event envelope before calling
// fn, continuing the producer's trace. Records with an unknown event type
// are skipped; undecodable records fail permanently.
func EnvelopeHandler(name string, logger *zap.Logger, fn func(ctx context.Context, env event.Envelope) error) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := otel.Tracer(telemetry.TracerName)
	return func(ctx context.Context, rec eventlog.Record) error {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(rec.Headers))
		ctx, span := tracer.Start(ctx, name,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination", rec.Topic),
				attribute.Int("messaging.kafka.partition", rec.Partition),
				attribute.Int64("messaging.kafka.offset", rec.Offset),
				attribute.String("messaging.kafka.message_key", rec.Key),
			),
		)
		defer span.End()

		env, err := event.Unmarshal(rec.Value)
		if errors.Is(err, event.ErrUnknownEventType) {
			logger.Debug("skipping unknown event type", zap.String("topic", rec.Topic), zap.Error(err))
			return nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Permanent(err)
		}
		span.SetAttributes(attribute.String("event.type", string(env.EventType())))

		if err := fn(ctx, env); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		return nil
	}
}
