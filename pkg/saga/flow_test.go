package saga_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/consumer"
	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/eventlog"
	"github.com/zoff-tech/go-saga/pkg/eventsourcing"
	"github.com/zoff-tech/go-saga/pkg/processor"
	"github.com/zoff-tech/go-saga/pkg/saga"
	"github.com/zoff-tech/go-saga/pkg/store"
)

type harness struct {
	repo   *store.MemoryRepository
	log    *eventlog.MemoryLog
	notify *eventlog.MemoryLog
	orders *saga.OrderService
	engine *eventsourcing.Engine
}

func startSaga(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := store.NewMemoryRepository()
	log := eventlog.NewMemoryLog(3)
	log.EnsureTopics(eventlog.DefaultTopics(".DLT", 1)...)
	notify := eventlog.NewMemoryLog(1)

	orders := saga.NewOrderService(repo, logger, nil)
	var subs []saga.Subscription
	subs = append(subs, orders.Subscriptions()...)
	subs = append(subs, saga.NewPaymentService(repo, saga.DefaultPaymentThreshold, logger, nil).Subscriptions()...)
	subs = append(subs, saga.NewInventoryService(repo, saga.DefaultInventoryThreshold, logger, nil).Subscriptions()...)
	subs = append(subs, saga.NewNotificationService(repo, notify, "log", logger, nil).Subscriptions()...)

	pool, err := eventlog.NewScannerPool(1, func() (eventlog.Scanner, error) { return log, nil })
	require.NoError(t, err)
	engine := eventsourcing.NewEngine(pool, repo, logger, nil)
	snapshotter := eventsourcing.NewSnapshotter(engine, repo, repo, nil, time.Hour, time.Hour, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	relay := processor.NewRelay(repo, log, config.OutboxSettings{PollInterval: 5 * time.Millisecond, BatchSize: 100, PublishTimeout: time.Second}, nil, logger, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = relay.Run(ctx)
	}()

	policy := consumer.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 2, DeadLetter: consumer.NewBrokerDeadLetter(log, ".DLT")}
	for _, sub := range subs {
		g := consumer.NewGroup(log.Subscribe(sub.Topic, sub.Group), consumer.EnvelopeHandler(sub.Group, logger, sub.Handle), consumer.GroupOptions{
			Name: sub.Group, Topic: sub.Topic, Workers: 2, Policy: policy, Logger: logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Run(ctx)
		}()
	}

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		snapshotter.Wait()
	})
	return &harness{repo: repo, log: log, notify: notify, orders: orders, engine: engine}
}

func (h *harness) place(t *testing.T, amount float64) string {
	t.Helper()
	res, err := h.orders.PlaceOrder(context.Background(), saga.PlaceOrderCommand{CustomerID: "c-1", ProductID: "p-1", Quantity: 1, Amount: amount})
	require.NoError(t, err)
	return res.OrderID
}

func (h *harness) settle(t *testing.T, orderID string, done func(eventsourcing.OrderState) bool) eventsourcing.OrderState {
	t.Helper()
	var state eventsourcing.OrderState
	require.Eventually(t, func() bool {
		s, err := h.engine.Replay(context.Background(), orderID)
		if err != nil {
			return false
		}
		state = s
		return done(s)
	}, 5*time.Second, 10*time.Millisecond)
	return state
}

func (h *harness) storedTypes(orderID string) []string {
	var types []string
	for _, r := range h.log.Records(event.TopicOrderEvents) {
		if r.Key == orderID {
			types = append(types, r.Headers[broker.HeaderEventType])
		}
	}
	return types
}

func count(items []string, want string) int {
	n := 0
	for _, s := range items {
		if s == want {
			n++
		}
	}
	return n
}

func TestSaga_HappyPath(t *testing.T) {
	h := startSaga(t)
	orderID := h.place(t, 99.99)

	state := h.settle(t, orderID, func(s eventsourcing.OrderState) bool { return s.Status == eventsourcing.StatusInventoryReserved })
	assert.Equal(t, "SUCCESS", state.PaymentStatus)
	assert.Equal(t, "RESERVED", state.InventoryStatus)

	assert.Eventually(t, func() bool {
		o, err := h.orders.GetOrder(context.Background(), orderID)
		return err == nil && o.Status == store.OrderConfirmed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(h.notify.Records(saga.TopicOrderConfirmed)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, count(h.storedTypes(orderID), "OrderPlaced"))
}

func TestSaga_PaymentFailureCancels(t *testing.T) {
	h := startSaga(t)
	orderID := h.place(t, 1500)

	state := h.settle(t, orderID, func(s eventsourcing.OrderState) bool { return s.Status == eventsourcing.StatusCancelled })
	assert.Equal(t, "FAILED", state.PaymentStatus)
	assert.Empty(t, state.InventoryReservationID)
	assert.Zero(t, count(h.storedTypes(orderID), "InventoryReserved"))

	o, err := h.orders.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, store.OrderCancelled, o.Status)
	_, err = h.repo.FindReservationByOrder(context.Background(), orderID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaga_InventoryFailureRefundsAndCancels(t *testing.T) {
	h := startSaga(t)
	orderID := h.place(t, 600)

	state := h.settle(t, orderID, func(s eventsourcing.OrderState) bool {
		return s.Status == eventsourcing.StatusCancelled && s.PaymentStatus == "REFUNDED"
	})
	assert.Equal(t, "UNAVAILABLE", state.InventoryStatus)

	types := h.storedTypes(orderID)
	assert.Equal(t, 1, count(types, "PaymentRefunded"))
	assert.Equal(t, 1, count(types, "OrderCancelled"))

	payment, err := h.repo.FindPaymentByOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, event.PaymentRefunded, payment.Status)
	assert.Empty(t, h.notify.Records(saga.TopicOrderConfirmed))
}

func TestSaga_RedeliveryHasNoSecondEffect(t *testing.T) {
	h := startSaga(t)
	orderID := h.place(t, 99.99)
	h.settle(t, orderID, func(s eventsourcing.OrderState) bool { return s.Status == eventsourcing.StatusInventoryReserved })
	require.Eventually(t, func() bool { return len(h.notify.Records(saga.TopicOrderConfirmed)) == 1 }, 2*time.Second, 10*time.Millisecond)

	for _, topic := range []string{event.TopicOrders, event.TopicPayments, event.TopicInventory} {
		for _, r := range h.log.Records(topic) {
			if r.Key == orderID {
				h.log.Append(topic, r.Key, r.Value, r.Headers)
			}
		}
	}

	drained := func(topic, group string) bool {
		var total int64
		for _, off := range h.log.Committed(topic, group) {
			total += off
		}
		return total == int64(len(h.log.Records(topic)))
	}
	require.Eventually(t, func() bool {
		return drained(event.TopicOrders, saga.GroupPayment) &&
			drained(event.TopicPayments, saga.GroupInventory) &&
			drained(event.TopicInventory, saga.GroupNotification)
	}, 2*time.Second, 10*time.Millisecond)

	types := h.storedTypes(orderID)
	assert.Equal(t, 1, count(types, "PaymentProcessed"))
	assert.Equal(t, 1, count(types, "InventoryReserved"))
	assert.Len(t, h.notify.Records(saga.TopicOrderConfirmed), 1)
	assert.Empty(t, h.log.Records(event.TopicOrders+".DLT"))
}
