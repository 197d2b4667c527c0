package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/eventlog"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

// Replay modes recorded on the duration histogram.
const (
	modeFull      = "full"
	modeSnapshot  = "snapshot"
	modeTimestamp = "timestamp"
)

// fold is the running result of replaying one order.
type fold struct {
	state     OrderState
	partition int
	offset    int64
	events    int
}

func newFold(orderID string) *fold {
	return &fold{state: NewOrderState(orderID), partition: -1, offset: -1}
}

// Engine rebuilds order state from the event store topic.
type Engine struct {
	pool        *eventlog.ScannerPool
	snapshots   store.SnapshotRepository
	topic       string
	snapshotter *Snapshotter
	tracer      trace.Tracer
	logger      *zap.Logger
	metrics     *telemetry.Metrics
}

func NewEngine(pool *eventlog.ScannerPool, snapshots store.SnapshotRepository, logger *zap.Logger, metrics *telemetry.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		pool:      pool,
		snapshots: snapshots,
		topic:     event.TopicOrderEvents,
		tracer:    otel.Tracer(telemetry.TracerName),
		logger:    logger,
		metrics:   metrics,
	}
}

// Replay returns the current state of orderID. With a snapshot it folds
// only the events after the snapshot offset; without one it folds the whole
// log and then snapshots the order in the background.
func (e *Engine) Replay(ctx context.Context, orderID string) (OrderState, error) {
	ctx, span := e.tracer.Start(ctx, "Replay", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()
	start := time.Now()
	logger := telemetry.WithTrace(ctx, e.logger).With(zap.String("order_id", orderID))

	snap, err := e.snapshots.LatestSnapshot(ctx, orderID)
	switch {
	case err == nil:
		f, derr := fromSnapshot(snap)
		if derr == nil {
			if err := e.scan(ctx, map[string]*fold{orderID: f}, f.partition, f.offset+1, nil); err != nil {
				return OrderState{}, e.fail(span, err)
			}
			e.observe(modeSnapshot, start)
			logger.Debug("order replayed from snapshot", zap.Int64("snapshot_offset", snap.EventOffset), zap.Int("events", f.events))
			return f.state, nil
		}
		logger.Warn("corrupt snapshot, falling back to full replay", zap.String("snapshot_id", snap.ID), zap.Error(derr))
	case errors.Is(err, store.ErrNotFound):
	default:
		logger.Warn("snapshot lookup failed, falling back to full replay", zap.Error(err))
	}

	f := newFold(orderID)
	if err := e.scan(ctx, map[string]*fold{orderID: f}, -1, 0, nil); err != nil {
		return OrderState{}, e.fail(span, err)
	}
	e.observe(modeFull, start)
	logger.Debug("order replayed from the beginning", zap.Int("events", f.events))

	if errors.Is(err, store.ErrNotFound) && f.events > 0 && e.snapshotter != nil {
		e.snapshotter.trigger(orderID, *f)
	}
	return f.state, nil
}

// ReplayToTimestamp folds events of orderID up to and including at. It
// always reads from the beginning of the log.
func (e *Engine) ReplayToTimestamp(ctx context.Context, orderID string, at time.Time) (OrderState, error) {
	ctx, span := e.tracer.Start(ctx, "ReplayToTimestamp", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("replay.until", at.Format(time.RFC3339Nano)),
	))
	defer span.End()
	start := time.Now()

	f := newFold(orderID)
	if err := e.scan(ctx, map[string]*fold{orderID: f}, -1, 0, &at); err != nil {
		return OrderState{}, e.fail(span, err)
	}
	e.observe(modeTimestamp, start)
	return f.state, nil
}

// scan folds every record keyed by a target order. A negative partition
// scans all partitions from the beginning; otherwise only partition from
// offset from. A non-nil until stops at the first later event.
func (e *Engine) scan(ctx context.Context, targets map[string]*fold, partition int, from int64, until *time.Time) error {
	return e.pool.With(ctx, func(sc eventlog.Scanner) error {
		parts := []int{partition}
		if partition < 0 {
			all, err := sc.Partitions(ctx, e.topic)
			if err != nil {
				return fmt.Errorf("list %s partitions: %w", e.topic, err)
			}
			parts, from = all, 0
		}

		for _, p := range parts {
			stopped := false
			err := sc.Scan(ctx, e.topic, p, from, func(rec eventlog.Record) bool {
				f, ok := targets[rec.Key]
				if !ok {
					return true
				}
				env, err := event.Unmarshal(rec.Value)
				if err != nil {
					if !errors.Is(err, event.ErrUnknownEventType) {
						e.logger.Warn("skipping undecodable event store record",
							zap.Int("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.Error(err))
					}
					return true
				}
				if until != nil && env.Timestamp().After(*until) {
					stopped = true
					return false
				}
				if f.state.Apply(env) {
					f.events++
				}
				f.partition, f.offset = rec.Partition, rec.Offset
				return true
			})
			if err != nil {
				return fmt.Errorf("scan %s/%d: %w", e.topic, p, err)
			}
			if stopped {
				return nil
			}
		}
		return nil
	})
}

func (e *Engine) observe(mode string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ReplayDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("replay: %w", err)
}

func fromSnapshot(snap store.Snapshot) (*fold, error) {
	var state OrderState
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return nil, err
	}
	if state.OrderID != snap.OrderID {
		return nil, fmt.Errorf("snapshot holds order %q", state.OrderID)
	}
	return &fold{state: state, partition: snap.Partition, offset: snap.EventOffset, events: 0}, nil
}
