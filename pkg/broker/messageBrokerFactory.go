package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-saga/pkg/config"
	"go.uber.org/zap"
)

// NewBroker creates the broker selected by cfg.Type. The in-memory log is
// not built here because it is shared with the consumers and the replay
// scanner; callers construct it directly.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaBroker(ctx, cfg)
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	case "log":
		return NewLogBroker(zap.L().Named("notifications")), nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
