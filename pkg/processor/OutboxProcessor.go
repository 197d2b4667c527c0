package processor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/lock"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

// relayLockKey elects one relay pass at a time across instances.
const relayLockKey = "outbox-relay"

// Relay publishes NEW outbox records and marks them SENT one by one.
type Relay struct {
	repo           store.OutBoxRepository
	broker         broker.MessageBroker
	locker         lock.Locker
	tracer         trace.Tracer
	logger         *zap.Logger
	metrics        *telemetry.Metrics
	interval       time.Duration
	batchSize      int
	publishTimeout time.Duration
	now            func() time.Time
}

// NewRelay creates a relay over repo. locker and metrics may be nil.
func NewRelay(repo store.OutBoxRepository, b broker.MessageBroker, cfg config.OutboxSettings, locker lock.Locker, logger *zap.Logger, metrics *telemetry.Metrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		repo:           repo,
		broker:         b,
		locker:         locker,
		tracer:         otel.Tracer(telemetry.TracerName),
		logger:         logger,
		metrics:        metrics,
		interval:       cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		publishTimeout: cfg.PublishTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch relays up to one batch of pending records, oldest first.
// Once a record of an aggregate fails, the later records of that aggregate
// wait for the next pass so the log never sees them out of order.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	records, err := r.repo.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending outbox records: %w", err)
	}

	deferred := make(map[string]bool)
	published := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if deferred[rec.AggregateID] {
			continue
		}
		switch r.relay(ctx, rec) {
		case relayFailed:
			deferred[rec.AggregateID] = true
		case relayClaimed:
			published++
		}
	}

	if len(records) > 0 {
		r.logger.Info("outbox batch relayed",
			zap.Int("fetched", len(records)),
			zap.Int("published", published),
			zap.Int("deferred_aggregates", len(deferred)),
		)
	}
	return published, nil
}

// relayResult is what happened to one record in a pass.
type relayResult int

const (
	relayFailed relayResult = iota
	// relayUnclaimed: published, but this relay did not move the row to SENT.
	relayUnclaimed
	relayClaimed
)

func (r *Relay) relay(ctx context.Context, rec store.OutboxRecord) relayResult {
	ctx, span := r.tracer.Start(ctx, "RelayOutboxRecord", trace.WithAttributes(
		attribute.String("outbox.id", rec.ID),
		attribute.String("outbox.topic", rec.Topic),
		attribute.String("outbox.aggregate_id", rec.AggregateID),
		attribute.String("outbox.event_type", rec.EventType),
	))
	defer span.End()

	logger := telemetry.WithTrace(ctx, r.logger).With(
		zap.String("outbox_id", rec.ID),
		zap.String("topic", rec.Topic),
		zap.String("aggregate_id", rec.AggregateID),
	)

	pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	err := r.broker.Publish(pubCtx, broker.Message{
		Topic: rec.Topic,
		Key:   rec.AggregateID,
		Value: rec.Payload,
		Headers: map[string]string{
			broker.HeaderEventType:     rec.EventType,
			broker.HeaderAggregateType: rec.AggregateType,
			broker.HeaderOutboxID:      rec.ID,
		},
	})
	cancel()
	if err != nil {
		logger.Error("outbox publish failed, record stays NEW", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if r.metrics != nil {
			r.metrics.OutboxFailed.WithLabelValues(rec.Topic).Inc()
		}
		return relayFailed
	}

	claimed, err := r.repo.MarkSent(ctx, rec.ID, r.now())
	switch {
	case err != nil:
		// Published but still NEW: the next pass publishes it again.
		logger.Error("failed to mark outbox record sent", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return relayUnclaimed
	case !claimed:
		logger.Warn("outbox record already marked sent by another relay")
		return relayUnclaimed
	}
	if r.metrics != nil {
		r.metrics.OutboxPublished.WithLabelValues(rec.Topic).Inc()
	}
	return relayClaimed
}

// Run relays a batch every interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval), zap.Int("batch_size", r.batchSize))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.pass(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) pass(ctx context.Context) {
	ran, err := lock.Run(ctx, r.locker, relayLockKey, r.interval*2, func(ctx context.Context) error {
		_, err := r.ProcessBatch(ctx)
		return err
	})
	switch {
	case err != nil && ctx.Err() == nil:
		r.logger.Error("outbox relay pass failed", zap.Error(err))
	case err == nil && !ran:
		r.logger.Debug("outbox relay pass skipped, lock held elsewhere")
	}
}
