package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zoff-tech/go-saga/pkg/lock"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

// Snapshot triggers recorded on the created counter.
const (
	TriggerOnDemand  = "on_demand"
	TriggerScheduled = "scheduled"
)

const (
	sweepLockKey         = "snapshot-sweep"
	onDemandSnapshotWait = 30 * time.Second
)

// OrderLister finds orders old enough to snapshot.
type OrderLister interface {
	ListOrderIDsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Snapshotter writes at most one snapshot per order, either after a full
// replay or from the age-based sweep. Concurrent requests for the same
// order share one fold and one write.
type Snapshotter struct {
	engine    *Engine
	snapshots store.SnapshotRepository
	orders    OrderLister
	locker    lock.Locker
	age       time.Duration
	interval  time.Duration
	group     singleflight.Group
	pending   sync.WaitGroup
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewSnapshotter attaches a snapshotter to engine so full replays trigger
// snapshot creation. locker may be nil.
func NewSnapshotter(engine *Engine, snapshots store.SnapshotRepository, orders OrderLister, locker lock.Locker, age, interval time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Snapshotter{
		engine:    engine,
		snapshots: snapshots,
		orders:    orders,
		locker:    locker,
		age:       age,
		interval:  interval,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
	engine.snapshotter = s
	return s
}

// CreateIfAbsent folds orderID and stores a snapshot unless one exists or
// the order has no events. It reports whether a snapshot was written.
func (s *Snapshotter) CreateIfAbsent(ctx context.Context, orderID string) (bool, error) {
	return s.ensure(ctx, orderID, TriggerOnDemand, func(ctx context.Context) (fold, error) {
		f := newFold(orderID)
		err := s.engine.scan(ctx, map[string]*fold{orderID: f}, -1, 0, nil)
		return *f, err
	})
}

// trigger snapshots a fold that a replay already computed, in the background.
func (s *Snapshotter) trigger(orderID string, f fold) {
	f.state.EventHistory = slices.Clone(f.state.EventHistory)
	f.state.AppliedEventIDs = slices.Clone(f.state.AppliedEventIDs)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), onDemandSnapshotWait)
		defer cancel()
		_, err := s.ensure(ctx, orderID, TriggerOnDemand, func(context.Context) (fold, error) { return f, nil })
		if err != nil {
			s.logger.Error("on-demand snapshot failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}()
}

// Wait blocks until background snapshot writes have finished.
func (s *Snapshotter) Wait() {
	s.pending.Wait()
}

func (s *Snapshotter) ensure(ctx context.Context, orderID, trigger string, compute func(ctx context.Context) (fold, error)) (bool, error) {
	v, err, _ := s.group.Do(orderID, func() (any, error) {
		if _, err := s.snapshots.LatestSnapshot(ctx, orderID); err == nil {
			return false, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		f, err := compute(ctx)
		if err != nil {
			return false, err
		}
		if len(f.state.EventHistory) == 0 {
			return false, nil
		}
		return true, s.save(ctx, f, trigger)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Snapshotter) save(ctx context.Context, f fold, trigger string) error {
	state, err := json.Marshal(f.state)
	if err != nil {
		return fmt.Errorf("encode state of %s: %w", f.state.OrderID, err)
	}
	snap := store.Snapshot{
		ID:          uuid.NewString(),
		OrderID:     f.state.OrderID,
		Partition:   f.partition,
		EventOffset: f.offset,
		EventCount:  len(f.state.EventHistory),
		State:       state,
		CreatedAt:   s.now(),
	}
	if err := s.snapshots.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot of %s: %w", snap.OrderID, err)
	}
	s.logger.Info("snapshot created",
		zap.String("order_id", snap.OrderID),
		zap.String("trigger", trigger),
		zap.Int("partition", snap.Partition),
		zap.Int64("event_offset", snap.EventOffset),
		zap.Int("event_count", snap.EventCount),
	)
	if s.metrics != nil {
		s.metrics.SnapshotsCreated.WithLabelValues(trigger).Inc()
	}
	return nil
}

// SweepAged snapshots every order created more than age ago that has none
// yet. All candidates are folded in a single pass over the log.
func (s *Snapshotter) SweepAged(ctx context.Context) (int, error) {
	ids, err := s.orders.ListOrderIDsCreatedBefore(ctx, s.now().Add(-s.age))
	if err != nil {
		return 0, fmt.Errorf("list aged orders: %w", err)
	}

	targets := make(map[string]*fold)
	var order []string
	for _, id := range ids {
		_, err := s.snapshots.LatestSnapshot(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("look up snapshot of %s: %w", id, err)
		}
		targets[id] = newFold(id)
		order = append(order, id)
	}
	if len(targets) == 0 {
		return 0, nil
	}

	if err := s.engine.scan(ctx, targets, -1, 0, nil); err != nil {
		return 0, err
	}

	created := 0
	for _, id := range order {
		f := *targets[id]
		ok, err := s.ensure(ctx, id, TriggerScheduled, func(context.Context) (fold, error) { return f, nil })
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	s.logger.Info("snapshot sweep finished", zap.Int("candidates", len(order)), zap.Int("created", created))
	return created, nil
}

// Run sweeps every interval until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	s.logger.Info("snapshot scheduler started", zap.Duration("interval", s.interval), zap.Duration("age", s.age))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("snapshot scheduler stopped")
			return nil
		case <-ticker.C:
		}
		ran, err := lock.Run(ctx, s.locker, sweepLockKey, s.interval, func(ctx context.Context) error {
			_, err := s.SweepAged(ctx)
			return err
		})
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Error("snapshot sweep failed", zap.Error(err))
		case err == nil && !ran:
			s.logger.Debug("snapshot sweep skipped, lock held elsewhere")
		}
	}
}
