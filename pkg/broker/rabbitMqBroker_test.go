package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-saga/pkg/config"
	"go.uber.org/zap"
)

// --- Mocks ---

type mockAmqpConnection struct {
	mock.Mock
	closed bool
}

func (m *mockAmqpConnection) Channel() (amqpChannel, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(amqpChannel), args.Error(1)
}
func (m *mockAmqpConnection) Close() error {
	m.closed = true
	return m.Called().Error(0)
}
func (m *mockAmqpConnection) IsClosed() bool {
	return m.closed
}

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}
func (m *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, mandatory, immediate, msg).Error(0)
}
func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}
func (m *mockChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return c
}

// --- Tests ---

func newTestBroker(poolSize int, conn *mockAmqpConnection, ch *mockChannel) *rabbitMqBroker {
	b := &rabbitMqBroker{
		connection:      conn,
		channelPool:     make(chan *pooledChannel, poolSize),
		settings:        &config.BrokerSettings{PoolSize: poolSize, Exchange: "order-notifications"},
		reconnectTicker: time.NewTicker(time.Hour), // never fires
		stopReconnect:   make(chan struct{}),
		logger:          zap.NewNop(),
	}
	for i := 0; i < poolSize; i++ {
		b.channelPool <- &pooledChannel{
			channel:     ch,
			notifyClose: make(chan *amqp.Error, 1),
		}
	}
	return b
}

func TestPublish_Success(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := new(mockChannel)
	broker := newTestBroker(1, conn, ch)

	ch.On("ExchangeDeclare", "order-notifications", "topic", true, false, false, false, mock.Anything).Return(nil)
	ch.On("Publish", "order-notifications", "order.confirmed", false, false, mock.MatchedBy(func(p amqp.Publishing) bool {
		return string(p.Body) == "payload" && p.MessageId == "o-1" && p.Headers["foo"] == "bar"
	})).Return(nil)

	err := broker.Publish(context.Background(), Message{
		Topic:   "order.confirmed",
		Key:     "o-1",
		Value:   []byte("payload"),
		Headers: map[string]string{"foo": "bar"},
	})
	assert.NoError(t, err)
	ch.AssertExpectations(t)
	assert.Len(t, broker.channelPool, 1, "channel returned to pool")
}

func TestPublish_ExchangeDeclareError(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := new(mockChannel)
	broker := newTestBroker(1, conn, ch)

	ch.On("ExchangeDeclare", "order-notifications", "topic", true, false, false, false, mock.Anything).Return(errors.New("exch"))

	err := broker.Publish(context.Background(), Message{Topic: "order.confirmed", Value: []byte("payload")})
	assert.ErrorContains(t, err, "exch")
	ch.AssertExpectations(t)
}

func TestPublish_PublishError(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := new(mockChannel)
	broker := newTestBroker(1, conn, ch)

	ch.On("ExchangeDeclare", "order-notifications", "topic", true, false, false, false, mock.Anything).Return(nil)
	ch.On("Publish", "order-notifications", "order.confirmed", false, false, mock.Anything).Return(errors.New("pub"))

	err := broker.Publish(context.Background(), Message{Topic: "order.confirmed", Value: []byte("payload")})
	assert.ErrorContains(t, err, "pub")
	ch.AssertExpectations(t)
}

func TestPublish_GetChannelError(t *testing.T) {
	conn := new(mockAmqpConnection)
	broker := newTestBroker(0, conn, nil)
	conn.On("Channel").Return(nil, errors.New("chanfail"))

	err := broker.Publish(context.Background(), Message{Topic: "order.confirmed"})
	assert.ErrorContains(t, err, "chanfail")
}

func TestReleaseChannel_Closed(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := new(mockChannel)
	broker := newTestBroker(1, conn, ch)
	pooled := &pooledChannel{
		channel:     ch,
		notifyClose: make(chan *amqp.Error, 1),
	}
	pooled.notifyClose <- amqp.ErrClosed
	broker.releaseChannel(pooled)
	assert.Len(t, broker.channelPool, 1)
}

func TestReleaseChannel_PoolFull(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := new(mockChannel)
	broker := newTestBroker(1, conn, ch)
	pooled := &pooledChannel{
		channel:     ch,
		notifyClose: make(chan *amqp.Error, 1),
	}
	ch.On("Close").Return(nil)
	// The pool is already full from newTestBroker
	broker.releaseChannel(pooled)
	ch.AssertExpectations(t)
}

func TestClose(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := new(mockChannel)
	broker := newTestBroker(1, conn, ch)
	ch.On("Close").Return(nil)
	conn.On("Close").Return(nil)

	assert.NoError(t, broker.Close())
	assert.NoError(t, broker.Close())
	ch.AssertExpectations(t)
	conn.AssertNumberOfCalls(t, "Close", 1)

	err := broker.Publish(context.Background(), Message{Topic: "order.confirmed"})
	assert.ErrorContains(t, err, "closed")
}

func TestConnectAndInitialize(t *testing.T) {
	conn := new(mockAmqpConnection)
	ch := new(mockChannel)

	originalNewConnection := newConnection
	newConnection = func(url string, logger *zap.Logger) (amqpConnection, error) {
		return conn, nil
	}
	defer func() { newConnection = originalNewConnection }()

	conn.On("Channel").Return(ch, nil)
	ch.On("ExchangeDeclare", "order-notifications", "topic", true, false, false, false, mock.Anything).Return(nil).Once()
	ch.On("Close").Return(nil).Once()

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, 2),
		settings:        &config.BrokerSettings{PoolSize: 2, Exchange: "order-notifications"},
		reconnectTicker: time.NewTicker(time.Hour),
		stopReconnect:   make(chan struct{}),
		logger:          zap.NewNop(),
	}
	require.NoError(t, broker.connectAndInitialize())
	assert.Len(t, broker.channelPool, 2)
	conn.AssertNumberOfCalls(t, "Channel", 3)
	ch.AssertExpectations(t)
}

func TestRecoverConnection_Stop(t *testing.T) {
	conn := new(mockAmqpConnection)
	broker := newTestBroker(1, conn, new(mockChannel))
	broker.reconnectTicker = time.NewTicker(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		broker.recoverConnection()
		close(done)
	}()
	close(broker.stopReconnect)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recoverConnection did not stop")
	}
}
