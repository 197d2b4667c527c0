package broker

import (
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// amqpChannel is the subset of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

// amqpConnection is the subset of *amqp.Connection the broker uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
	IsClosed() bool
}

type amqpConnAdapter struct {
	*amqp.Connection
}

func (a amqpConnAdapter) Channel() (amqpChannel, error) {
	ch, err := a.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

var newConnection = func(url string, logger *zap.Logger) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()

	return amqpConnAdapter{Connection: conn}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	// Establish a new connection
	connection, err := newConnection(r.settings.URL, r.logger)
	if err != nil {
		return err
	}
	r.connection = connection

	// Clear the existing channel pool
	close(r.channelPool)
	for stale := range r.channelPool {
		stale.channel.Close()
	}
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	// Declare the exchange once up front
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	if err := channel.ExchangeDeclare(r.settings.Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	channel.Close()

	// Reinitialize the channel pool
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		}
	}

	r.logger.Info("RabbitMQ connection, exchange, and channel pool initialized",
		zap.String("exchange", r.settings.Exchange), zap.Int("pool_size", r.settings.PoolSize))
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connection == nil || r.connection.IsClosed() {
				r.logger.Info("attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.Error("failed to reconnect to RabbitMQ", zap.Error(err))
				} else {
					r.logger.Info("reconnected to RabbitMQ")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("rabbitmq broker is closed")
	}
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				r.logger.Debug("discarding closed channel", zap.Error(err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			channel, err := r.connection.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		pooledChan.channel.Close()
		return
	}
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		r.logger.Debug("discarding closed channel", zap.Error(err))
		return
	default:
		// Channel is valid, return it to the pool
		select {
		case r.channelPool <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}
