package saga

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

// PaymentStore is what the payment participant owns.
type PaymentStore interface {
	store.UnitOfWork
	store.PaymentRepository
	store.OutBoxRepository
}

// PaymentService charges placed orders and refunds them when stock runs out.
type PaymentService struct {
	participant
	store     PaymentStore
	threshold float64
}

func NewPaymentService(s PaymentStore, threshold float64, logger *zap.Logger, metrics *telemetry.Metrics) *PaymentService {
	if threshold <= 0 {
		threshold = DefaultPaymentThreshold
	}
	return &PaymentService{
		participant: newParticipant(participantPayment, logger, metrics),
		store:       s,
		threshold:   threshold,
	}
}

// HandleOrderPlaced records one payment per order and emits PaymentProcessed.
func (s *PaymentService) HandleOrderPlaced(ctx context.Context, env event.Envelope, placed event.OrderPlaced) error {
	if existing, err := s.store.FindPaymentByOrder(ctx, placed.OrderID); err == nil {
		return s.duplicate(ctx, env, existing.PaymentID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	processed := DecidePayment(placed, s.threshold, uuid.NewString(), now)
	out := event.New(event.SourcePaymentService, env.TransactionID(), processed)

	applied, err := commit(ctx, s.store, func(ctx context.Context) error {
		err := s.store.CreatePayment(ctx, store.Payment{
			PaymentID:     processed.PaymentID,
			OrderID:       processed.OrderID,
			CustomerID:    processed.CustomerID,
			Amount:        processed.Amount,
			Status:        processed.Status,
			TransactionID: env.TransactionID(),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}
		return writeOutbox(ctx, s.store, event.AggregatePayment, out, event.TopicPayments, event.TopicOrderEvents)
	})
	if err != nil {
		return err
	}
	if !applied {
		return s.duplicate(ctx, env, "payment row")
	}

	logger := s.log(ctx, env).With(zap.String("payment_id", processed.PaymentID), zap.Float64("amount", processed.Amount))
	if processed.Status == event.PaymentFailed {
		logger.Warn("payment failed", zap.Float64("threshold", s.threshold))
	} else {
		logger.Info("payment processed")
	}
	s.observe(env, telemetry.OutcomeProcessed)
	return nil
}

// HandleInventoryReserved refunds the payment of an order whose stock could
// not be reserved.
func (s *PaymentService) HandleInventoryReserved(ctx context.Context, env event.Envelope, r event.InventoryReserved) error {
	if r.Status != event.ReservationUnavailable {
		return s.ignored(ctx, env, "reservation made")
	}
	payment, err := s.store.FindPaymentByOrder(ctx, r.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		s.log(ctx, env).Warn("refund requested for order without payment")
		return s.ignored(ctx, env, "no payment")
	}
	if err != nil {
		return err
	}
	if payment.Status == event.PaymentRefunded {
		return s.duplicate(ctx, env, payment.PaymentID)
	}

	now := time.Now().UTC()
	refund, ok := DecideRefund(payment, r, now)
	if !ok {
		return s.ignored(ctx, env, "payment not refundable")
	}
	out := event.New(event.SourcePaymentService, env.TransactionID(), refund)

	applied, err := commit(ctx, s.store, func(ctx context.Context) error {
		updated, err := s.store.UpdatePaymentStatus(ctx, payment.PaymentID, event.PaymentSuccess, event.PaymentRefunded, now)
		if err != nil {
			return err
		}
		if !updated {
			return errAlreadyApplied
		}
		return writeOutbox(ctx, s.store, event.AggregatePayment, out, event.TopicPayments, event.TopicOrderEvents)
	})
	if err != nil {
		return err
	}
	if !applied {
		return s.duplicate(ctx, env, payment.PaymentID)
	}
	s.log(ctx, env).Warn("payment refunded", zap.String("payment_id", payment.PaymentID), zap.Float64("amount", payment.Amount))
	s.observe(env, telemetry.OutcomeProcessed)
	return nil
}

// Subscriptions lists the payment participant's consumer groups.
func (s *PaymentService) Subscriptions() []Subscription {
	return []Subscription{
		{Group: GroupPayment, Topic: event.TopicOrders, Handle: s.onOrders},
		{Group: GroupPaymentCompensation, Topic: event.TopicInventory, Handle: s.onInventory},
	}
}

func (s *PaymentService) onOrders(ctx context.Context, env event.Envelope) error {
	if placed, ok := env.Payload().(event.OrderPlaced); ok {
		return s.HandleOrderPlaced(ctx, env, placed)
	}
	return s.ignored(ctx, env, "not handled on orders")
}

func (s *PaymentService) onInventory(ctx context.Context, env event.Envelope) error {
	if r, ok := env.Payload().(event.InventoryReserved); ok {
		return s.HandleInventoryReserved(ctx, env, r)
	}
	return s.ignored(ctx, env, "not handled on inventory")
}
