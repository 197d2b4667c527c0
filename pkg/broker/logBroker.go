package broker

import (
	"context"

	"go.uber.org/zap"
)

// logBroker writes messages to the logger instead of a remote sink.
type logBroker struct {
	logger *zap.Logger
}

// NewLogBroker returns a MessageBroker that only logs what it is given.
func NewLogBroker(logger *zap.Logger) MessageBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logBroker{logger: logger}
}

func (l *logBroker) Publish(ctx context.Context, msg Message) error {
	l.logger.Info("message published",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.ByteString("value", msg.Value),
	)
	return nil
}

func (l *logBroker) Close() error {
	return nil
}
