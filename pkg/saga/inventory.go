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

// InventoryStore is what the inventory participant owns.
type InventoryStore interface {
	store.UnitOfWork
	store.ReservationRepository
	store.OutBoxRepository
}

// InventoryService reserves stock for paid orders.
type InventoryService struct {
	participant
	store     InventoryStore
	threshold float64
}

func NewInventoryService(s InventoryStore, threshold float64, logger *zap.Logger, metrics *telemetry.Metrics) *InventoryService {
	if threshold <= 0 {
		threshold = DefaultInventoryThreshold
	}
	return &InventoryService{
		participant: newParticipant(participantInventory, logger, metrics),
		store:       s,
		threshold:   threshold,
	}
}

// HandlePaymentProcessed records one reservation per paid order and emits
// InventoryReserved. Failed payments are not its concern.
func (s *InventoryService) HandlePaymentProcessed(ctx context.Context, env event.Envelope, paid event.PaymentProcessed) error {
	if paid.Status != event.PaymentSuccess {
		return s.ignored(ctx, env, "payment not successful")
	}
	if existing, err := s.store.FindReservationByOrder(ctx, paid.OrderID); err == nil {
		return s.duplicate(ctx, env, existing.ReservationID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	reserved, _ := DecideReservation(paid, s.threshold, uuid.NewString(), now)
	out := event.New(event.SourceInventoryService, env.TransactionID(), reserved)

	applied, err := commit(ctx, s.store, func(ctx context.Context) error {
		err := s.store.CreateReservation(ctx, store.Reservation{
			ReservationID: reserved.ReservationID,
			OrderID:       reserved.OrderID,
			ProductID:     reserved.ProductID,
			Quantity:      reserved.Quantity,
			Status:        reserved.Status,
			TransactionID: env.TransactionID(),
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
		return writeOutbox(ctx, s.store, event.AggregateReservation, out, event.TopicInventory, event.TopicOrderEvents)
	})
	if err != nil {
		return err
	}
	if !applied {
		return s.duplicate(ctx, env, "reservation row")
	}

	logger := s.log(ctx, env).With(zap.String("reservation_id", reserved.ReservationID))
	if reserved.Status == event.ReservationUnavailable {
		logger.Warn("inventory unavailable", zap.Float64("amount", reserved.Amount), zap.Float64("threshold", s.threshold))
	} else {
		logger.Info("inventory reserved")
	}
	s.observe(env, telemetry.OutcomeProcessed)
	return nil
}

// Subscriptions lists the inventory participant's consumer groups.
func (s *InventoryService) Subscriptions() []Subscription {
	return []Subscription{
		{Group: GroupInventory, Topic: event.TopicPayments, Handle: s.onPayments},
	}
}

func (s *InventoryService) onPayments(ctx context.Context, env event.Envelope) error {
	if paid, ok := env.Payload().(event.PaymentProcessed); ok {
		return s.HandlePaymentProcessed(ctx, env, paid)
	}
	return s.ignored(ctx, env, "not handled on payments")
}
