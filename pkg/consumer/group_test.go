package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/eventlog"
	"go.uber.org/zap/zaptest"
)

func runGroup(t *testing.T, g *Group) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("group did not stop")
		}
	}
}

func TestGroup_PreservesPerKeyOrder(t *testing.T) {
	log := eventlog.NewMemoryLog(4)
	var mu sync.Mutex
	seen := map[string][]string{}

	g := NewGroup(log.Subscribe("orders", "g"), func(_ context.Context, rec eventlog.Record) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen[rec.Key] = append(seen[rec.Key], string(rec.Value))
		mu.Unlock()
		return nil
	}, GroupOptions{Name: "g", Topic: "orders", Workers: 3, Logger: zaptest.NewLogger(t)})
	stop := runGroup(t, g)
	defer stop()

	for i := 0; i < 10; i++ {
		for _, key := range []string{"o-1", "o-2", "o-3", "o-4"} {
			log.Append("orders", key, []byte(fmt.Sprint(i)), nil)
		}
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, v := range seen {
			n += len(v)
		}
		return n == 40
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
	for key, got := range seen {
		assert.Equal(t, want, got, key)
	}
}

func TestGroup_DeadLettersAndCommits(t *testing.T) {
	log := eventlog.NewMemoryLog(1)
	policy := RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond, DeadLetter: NewBrokerDeadLetter(log, ".DLT")}

	g := NewGroup(log.Subscribe("orders", "g"), func(context.Context, eventlog.Record) error {
		return errors.New("always")
	}, GroupOptions{Name: "g", Topic: "orders", Policy: policy})
	stop := runGroup(t, g)

	log.Append("orders", "o-1", []byte("x"), nil)
	assert.Eventually(t, func() bool { return len(log.Records("orders.DLT")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return log.Committed("orders", "g")[0] == 1 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestGroup_StopLeavesInFlightUncommitted(t *testing.T) {
	log := eventlog.NewMemoryLog(1)
	started := make(chan struct{})
	g := NewGroup(log.Subscribe("orders", "g"), func(ctx context.Context, _ eventlog.Record) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, GroupOptions{Name: "g", Topic: "orders", Policy: RetryPolicy{MaxAttempts: 3}})
	stop := runGroup(t, g)

	log.Append("orders", "o-1", []byte("x"), nil)
	<-started
	stop()

	assert.Empty(t, log.Committed("orders", "g"))
	assert.Empty(t, log.Records("orders.DLT"))
}

func TestEnvelopeHandler(t *testing.T) {
	env := event.New(event.SourceOrderService, "tx-1", event.OrderPlaced{OrderID: "o-1", TotalAmount: 10})
	data, err := event.Marshal(env)
	require.NoError(t, err)

	var got event.Envelope
	h := EnvelopeHandler("test", zaptest.NewLogger(t), func(_ context.Context, e event.Envelope) error {
		got = e
		return nil
	})

	require.NoError(t, h(context.Background(), eventlog.Record{Topic: "orders", Value: data}))
	assert.Equal(t, env.EventID(), got.EventID())

	err = h(context.Background(), eventlog.Record{Topic: "orders", Value: []byte("{not json")})
	assert.True(t, IsPermanent(err))

	unknown := []byte(`{"eventId":"e","eventType":"OrderShipped","eventVersion":"1.0","source":"x","transactionId":"t","timestamp":"2024-01-01T00:00:00Z","payload":{}}`)
	assert.NoError(t, h(context.Background(), eventlog.Record{Topic: "orders", Value: unknown}))

	boom := errors.New("boom")
	failing := EnvelopeHandler("test", nil, func(context.Context, event.Envelope) error { return boom })
	err = failing(context.Background(), eventlog.Record{Topic: "orders", Value: data})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsPermanent(err))
}
