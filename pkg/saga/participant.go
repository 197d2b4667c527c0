package saga

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

// Consumer groups, one per participant subscription.
const (
	GroupPayment             = "payment-service-group"
	GroupPaymentCompensation = "payment-service-compensation-group"
	GroupInventory           = "inventory-service-group"
	GroupOrderCompensation   = "order-service-compensation-group"
	GroupOrderConfirmation   = "order-service-confirmation-group"
	GroupNotification        = "notification-service-group"
)

const (
	participantOrder        = "order-service"
	participantPayment      = "payment-service"
	participantInventory    = "inventory-service"
	participantNotification = "notification-service"
)

// Subscription binds a consumer group on a topic to a participant handler.
type Subscription struct {
	Group  string
	Topic  string
	Handle func(ctx context.Context, env event.Envelope) error
}

// errAlreadyApplied aborts a unit of work whose effect is already recorded.
var errAlreadyApplied = errors.New("already applied")

type participant struct {
	name    string
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func newParticipant(name string, logger *zap.Logger, metrics *telemetry.Metrics) participant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return participant{name: name, logger: logger.With(zap.String("participant", name)), metrics: metrics}
}

func (p participant) log(ctx context.Context, env event.Envelope) *zap.Logger {
	return telemetry.WithTrace(ctx, p.logger).With(
		zap.String("event_id", env.EventID()),
		zap.String("event_type", string(env.EventType())),
		zap.String("order_id", env.AggregateID()),
		zap.String("transaction_id", env.TransactionID()),
	)
}

func (p participant) observe(env event.Envelope, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.SagaEvents.WithLabelValues(p.name, string(env.EventType()), outcome).Inc()
}

func (p participant) ignored(ctx context.Context, env event.Envelope, why string) error {
	p.log(ctx, env).Debug("event ignored", zap.String("reason", why))
	p.observe(env, telemetry.OutcomeIgnored)
	return nil
}

func (p participant) duplicate(ctx context.Context, env event.Envelope, what string) error {
	p.log(ctx, env).Warn("duplicate event discarded", zap.String("existing", what))
	p.observe(env, telemetry.OutcomeDuplicate)
	return nil
}

// writeOutbox queues env on every topic in the caller's unit of work.
func writeOutbox(ctx context.Context, repo store.OutBoxRepository, aggregateType string, env event.Envelope, topics ...string) error {
	records, err := store.NewOutboxRecords(aggregateType, env, topics...)
	if err != nil {
		return err
	}
	if err := repo.InsertOutbox(ctx, records...); err != nil {
		return fmt.Errorf("queue %s: %w", env.EventType(), err)
	}
	return nil
}

// commit runs fn in a unit of work and folds the idempotency outcomes into
// a bool: false means the effect was already there and nothing was written.
func commit(ctx context.Context, uow store.UnitOfWork, fn func(ctx context.Context) error) (bool, error) {
	err := uow.WithinTx(ctx, fn)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errAlreadyApplied), errors.Is(err, store.ErrDuplicate):
		return false, nil
	default:
		return false, err
	}
}
