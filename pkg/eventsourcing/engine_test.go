package eventsourcing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/eventlog"
	"github.com/zoff-tech/go-saga/pkg/lock"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

type fixture struct {
	log         *eventlog.MemoryLog
	repo        *store.MemoryRepository
	engine      *Engine
	snapshotter *Snapshotter
	metrics     *telemetry.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := eventlog.NewMemoryLog(6)
	pool, err := eventlog.NewScannerPool(1, func() (eventlog.Scanner, error) { return log, nil })
	require.NoError(t, err)
	repo := store.NewMemoryRepository()
	metrics := telemetry.NewMetrics(nil)
	logger := zaptest.NewLogger(t)
	engine := NewEngine(pool, repo, logger, metrics)
	snapshotter := NewSnapshotter(engine, repo, repo, nil, time.Hour, time.Hour, logger, metrics)
	return &fixture{log: log, repo: repo, engine: engine, snapshotter: snapshotter, metrics: metrics}
}

func (f *fixture) append(t *testing.T, envs ...event.Envelope) {
	t.Helper()
	for _, env := range envs {
		data, err := event.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, f.log.Publish(context.Background(), broker.Message{Topic: event.TopicOrderEvents, Key: env.AggregateID(), Value: data}))
	}
}

func refundChain(orderID string) []event.Envelope {
	return []event.Envelope{
		event.New(event.SourceOrderService, "tx", event.OrderPlaced{OrderID: orderID, CustomerID: "c-1", ProductID: "p-1", Quantity: 1, TotalAmount: 600}),
		event.New(event.SourcePaymentService, "tx", event.PaymentProcessed{PaymentID: "pay-" + orderID, OrderID: orderID, Amount: 600, Status: event.PaymentSuccess}),
		event.New(event.SourceInventoryService, "tx", event.InventoryReserved{ReservationID: "res-" + orderID, OrderID: orderID, Amount: 600, Status: event.ReservationUnavailable}),
		event.New(event.SourcePaymentService, "tx", event.PaymentRefunded{PaymentID: "pay-" + orderID, OrderID: orderID, Amount: 600}),
		event.New(event.SourceOrderService, "tx", event.OrderCancelled{OrderID: orderID, Reason: "payment refunded"}),
	}
}

func TestReplay_FullFoldAndDeterminism(t *testing.T) {
	f := newFixture(t)
	f.append(t, refundChain("o-1")...)
	f.append(t, event.New(event.SourceOrderService, "tx", event.OrderPlaced{OrderID: "o-2", TotalAmount: 1}))

	first, err := f.engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)
	f.snapshotter.Wait()
	assert.Equal(t, StatusCancelled, first.Status)
	assert.Equal(t, "REFUNDED", first.PaymentStatus)
	assert.Equal(t, "UNAVAILABLE", first.InventoryStatus)
	assert.Len(t, first.EventHistory, 5)

	second, err := f.engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReplay_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	f.append(t, refundChain("o-1")...)

	state, err := f.engine.Replay(context.Background(), "nope")
	require.NoError(t, err)
	f.snapshotter.Wait()
	assert.Equal(t, NewOrderState("nope"), state)
	assert.Zero(t, f.repo.SnapshotCount("nope"))
}

func TestReplay_DuplicateLogRecordsAppliedOnce(t *testing.T) {
	f := newFixture(t)
	chain := refundChain("o-1")
	f.append(t, chain[0], chain[0], chain[1])

	state, err := f.engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"OrderPlaced", "PaymentProcessed"}, state.EventHistory)
}

func TestReplay_SkipsUnknownAndMalformedRecords(t *testing.T) {
	f := newFixture(t)
	chain := refundChain("o-1")
	f.append(t, chain[0])
	f.log.Append(event.TopicOrderEvents, "o-1", []byte(`{"eventId":"x","eventType":"OrderShipped","payload":{}}`), nil)
	f.log.Append(event.TopicOrderEvents, "o-1", []byte(`garbage`), nil)
	f.append(t, chain[1])

	state, err := f.engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentCompleted, state.Status)
}

func TestReplay_TriggersOneSnapshot(t *testing.T) {
	f := newFixture(t)
	f.append(t, refundChain("o-1")...)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Replay(context.Background(), "o-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	f.snapshotter.Wait()

	assert.Equal(t, 1, f.repo.SnapshotCount("o-1"))
	snap, err := f.repo.LatestSnapshot(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, 5, snap.EventCount)
	assert.Equal(t, int64(4), snap.EventOffset)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SnapshotsCreated.WithLabelValues(TriggerOnDemand)))
}

func TestReplay_SnapshotMatchesFullReplay(t *testing.T) {
	f := newFixture(t)
	chain := refundChain("o-1")
	f.append(t, chain[:3]...)

	created, err := f.snapshotter.CreateIfAbsent(context.Background(), "o-1")
	require.NoError(t, err)
	require.True(t, created)

	f.append(t, chain[3:]...)
	f.append(t, chain[1])

	withSnapshot, err := f.engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)

	fresh := newFixture(t)
	fresh.append(t, chain...)
	fresh.append(t, chain[1])
	full, err := fresh.engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)
	fresh.snapshotter.Wait()

	assert.Equal(t, full, withSnapshot)
	assert.Equal(t, StatusCancelled, withSnapshot.Status)
	assert.Equal(t, 1, f.repo.SnapshotCount("o-1"))
}

func TestReplay_CorruptSnapshotFallsBack(t *testing.T) {
	f := newFixture(t)
	f.append(t, refundChain("o-1")...)
	require.NoError(t, f.repo.SaveSnapshot(context.Background(), store.Snapshot{
		ID: "bad", OrderID: "o-1", Partition: 0, EventOffset: 99, State: []byte("{not json"), CreatedAt: time.Now(),
	}))

	state, err := f.engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)
	f.snapshotter.Wait()
	assert.Equal(t, StatusCancelled, state.Status)
	assert.Len(t, state.EventHistory, 5)
	assert.Equal(t, 1, f.repo.SnapshotCount("o-1"))
}

type failingSnapshots struct {
	store.SnapshotRepository
}

func (failingSnapshots) LatestSnapshot(context.Context, string) (store.Snapshot, error) {
	return store.Snapshot{}, errors.New("mongo down")
}

func TestReplay_SnapshotLookupFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.append(t, refundChain("o-1")...)
	pool, err := eventlog.NewScannerPool(1, func() (eventlog.Scanner, error) { return f.log, nil })
	require.NoError(t, err)
	engine := NewEngine(pool, failingSnapshots{}, zaptest.NewLogger(t), nil)

	state, err := engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, state.Status)
}

func TestReplayToTimestamp(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var envs []event.Envelope
	for i, env := range refundChain("o-1") {
		meta := env.Metadata()
		meta.Timestamp = base.Add(time.Duration(i) * time.Minute)
		stamped, err := event.FromMetadata(meta, env.Payload())
		require.NoError(t, err)
		envs = append(envs, stamped)
	}
	f.append(t, envs...)

	state, err := f.engine.ReplayToTimestamp(context.Background(), "o-1", base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentCompleted, state.Status)
	assert.Equal(t, []string{"OrderPlaced", "PaymentProcessed"}, state.EventHistory)

	state, err = f.engine.ReplayToTimestamp(context.Background(), "o-1", base.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, state.Status)

	state, err = f.engine.ReplayToTimestamp(context.Background(), "o-1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, state.Status)
	assert.Empty(t, state.EventHistory)

	state, err = f.engine.ReplayToTimestamp(context.Background(), "o-1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, state.Status)
	assert.Zero(t, f.repo.SnapshotCount("o-1"))
}

func TestSweepAged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	for _, id := range []string{"o-old", "o-snap"} {
		require.NoError(t, f.repo.CreateOrder(ctx, store.Order{OrderID: id, Status: store.OrderPending, CreatedAt: old}))
		f.append(t, refundChain(id)...)
	}
	require.NoError(t, f.repo.CreateOrder(ctx, store.Order{OrderID: "o-new", Status: store.OrderPending, CreatedAt: time.Now()}))
	f.append(t, refundChain("o-new")...)
	require.NoError(t, f.repo.CreateOrder(ctx, store.Order{OrderID: "o-empty", Status: store.OrderPending, CreatedAt: old}))

	_, err := f.snapshotter.CreateIfAbsent(ctx, "o-snap")
	require.NoError(t, err)

	created, err := f.snapshotter.SweepAged(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, f.repo.SnapshotCount("o-old"))
	assert.Equal(t, 1, f.repo.SnapshotCount("o-snap"))
	assert.Zero(t, f.repo.SnapshotCount("o-new"))
	assert.Zero(t, f.repo.SnapshotCount("o-empty"))

	created, err = f.snapshotter.SweepAged(ctx)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestSnapshotterRun_StopsOnCancel(t *testing.T) {
	log := eventlog.NewMemoryLog(1)
	pool, err := eventlog.NewScannerPool(1, func() (eventlog.Scanner, error) { return log, nil })
	require.NoError(t, err)
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.CreateOrder(context.Background(), store.Order{OrderID: "o-1", CreatedAt: time.Now().Add(-time.Hour)}))
	data, err := event.Marshal(event.New(event.SourceOrderService, "tx", event.OrderPlaced{OrderID: "o-1"}))
	require.NoError(t, err)
	log.Append(event.TopicOrderEvents, "o-1", data, nil)

	engine := NewEngine(pool, repo, nil, nil)
	s := NewSnapshotter(engine, repo, repo, nil, time.Minute, 5*time.Millisecond, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return repo.SnapshotCount("o-1") == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestReplay_EnvelopesWithoutEventID(t *testing.T) {
	f := newFixture(t)
	for _, raw := range []string{
		`{"eventType":"OrderPlaced","eventVersion":"1.0","source":"order-service","transactionId":"tx","timestamp":"2025-03-01T12:00:00Z","payload":{"orderId":"o-1","customerId":"c-1","productId":"p-1","quantity":1,"totalAmount":1500}}`,
		`{"eventType":"PaymentProcessed","eventVersion":"1.0","source":"payment-service","transactionId":"tx","timestamp":"2025-03-01T12:00:01Z","payload":{"paymentId":"pay-1","orderId":"o-1","amount":1500,"status":"FAILED"}}`,
		`{"eventType":"OrderCancelled","eventVersion":"1.0","source":"order-service","transactionId":"tx","timestamp":"2025-03-01T12:00:02Z","payload":{"orderId":"o-1","reason":"payment failed"}}`,
	} {
		f.log.Append(event.TopicOrderEvents, "o-1", []byte(raw), nil)
	}

	full, err := f.engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)
	f.snapshotter.Wait()
	assert.Equal(t, StatusCancelled, full.Status)
	assert.Equal(t, "FAILED", full.PaymentStatus)
	assert.Equal(t, []string{"OrderPlaced", "PaymentProcessed", "OrderCancelled"}, full.EventHistory)
	require.Equal(t, 1, f.repo.SnapshotCount("o-1"))

	fromSnapshot, err := f.engine.Replay(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, full, fromSnapshot)
}

type unavailableLocker struct{}

func (unavailableLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Guard, error) {
	return nil, errors.New("redis: connection refused")
}

func (unavailableLocker) Release(ctx context.Context, guard *lock.Guard) error {
	return nil
}

func TestSnapshotterRun_LockFailureIsNotReportedAsSkip(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.DebugLevel)
	s := NewSnapshotter(f.engine, f.repo, f.repo, unavailableLocker{}, time.Minute, 5*time.Millisecond, zap.New(core), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return logs.FilterMessage("snapshot sweep failed").Len() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Zero(t, logs.FilterMessage("snapshot sweep skipped, lock held elsewhere").Len())
}
