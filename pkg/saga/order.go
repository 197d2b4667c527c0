package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

// ErrInvalidOrder wraps validation failures of PlaceOrder.
var ErrInvalidOrder = errors.New("invalid order")

const reasonPaymentFailed = "payment failed"

// OrderStore is what the order participant owns.
type OrderStore interface {
	store.UnitOfWork
	store.OrderRepository
	store.OutBoxRepository
}

// PlaceOrderCommand is the only externally triggered saga command.
type PlaceOrderCommand struct {
	CustomerID string  `json:"customerId" validate:"required"`
	ProductID  string  `json:"productId" validate:"required"`
	Quantity   int     `json:"quantity" validate:"gt=0"`
	Amount     float64 `json:"amount" validate:"gt=0"`
}

type PlaceOrderResult struct {
	OrderID       string `json:"orderId"`
	TransactionID string `json:"transactionId"`
}

// OrderService creates orders and applies the cancellation and confirmation
// steps of the saga to them.
type OrderService struct {
	participant
	store    OrderStore
	validate *validator.Validate
}

func NewOrderService(s OrderStore, logger *zap.Logger, metrics *telemetry.Metrics) *OrderService {
	return &OrderService{
		participant: newParticipant(participantOrder, logger, metrics),
		store:       s,
		validate:    validator.New(),
	}
}

// PlaceOrder stores a PENDING order and queues OrderPlaced in one transaction.
func (s *OrderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlaceOrderResult, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return PlaceOrderResult{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	now := time.Now().UTC()
	order := store.Order{
		OrderID:       uuid.NewString(),
		CustomerID:    cmd.CustomerID,
		ProductID:     cmd.ProductID,
		Quantity:      cmd.Quantity,
		TotalAmount:   cmd.Amount,
		Status:        store.OrderPending,
		TransactionID: uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	env := event.New(event.SourceOrderService, order.TransactionID, event.OrderPlaced{
		OrderID:     order.OrderID,
		CustomerID:  order.CustomerID,
		ProductID:   order.ProductID,
		Quantity:    order.Quantity,
		TotalAmount: order.TotalAmount,
		PlacedAt:    now,
	})

	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateOrder(ctx, order); err != nil {
			return err
		}
		return writeOutbox(ctx, s.store, event.AggregateOrder, env, event.TopicOrders, event.TopicOrderEvents)
	})
	if err != nil {
		return PlaceOrderResult{}, fmt.Errorf("place order: %w", err)
	}

	s.log(ctx, env).Info("order placed", zap.Float64("amount", order.TotalAmount))
	s.observe(env, telemetry.OutcomeProcessed)
	return PlaceOrderResult{OrderID: order.OrderID, TransactionID: order.TransactionID}, nil
}

// GetOrder returns the order row or store.ErrNotFound.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (store.Order, error) {
	return s.store.FindOrder(ctx, orderID)
}

// HandlePaymentProcessed cancels the order of a failed payment. The
// cancellation only goes to the event store; no participant reacts to it.
func (s *OrderService) HandlePaymentProcessed(ctx context.Context, env event.Envelope, p event.PaymentProcessed) error {
	if p.Status != event.PaymentFailed {
		return s.ignored(ctx, env, "payment not failed")
	}
	return s.cancel(ctx, env, p.OrderID, reasonPaymentFailed, event.TopicOrderEvents)
}

// HandlePaymentRefunded cancels the order after a refund and announces it.
func (s *OrderService) HandlePaymentRefunded(ctx context.Context, env event.Envelope, p event.PaymentRefunded) error {
	reason := "payment refunded"
	if p.Reason != "" {
		reason = reason + ": " + p.Reason
	}
	return s.cancel(ctx, env, p.OrderID, reason, event.TopicOrders, event.TopicOrderEvents)
}

// HandleInventoryReserved confirms the order once stock is reserved.
func (s *OrderService) HandleInventoryReserved(ctx context.Context, env event.Envelope, r event.InventoryReserved) error {
	if r.Status != event.ReservationReserved {
		return s.ignored(ctx, env, "reservation not made")
	}
	order, err := s.store.FindOrder(ctx, r.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return s.ignored(ctx, env, "unknown order")
	}
	if err != nil {
		return err
	}
	if order.Status == store.OrderConfirmed {
		return s.duplicate(ctx, env, "order confirmed")
	}
	if !order.Status.CanTransitionTo(store.OrderConfirmed) {
		s.log(ctx, env).Warn("order cannot be confirmed", zap.String("status", string(order.Status)))
		return s.ignored(ctx, env, "illegal transition")
	}

	updated, err := s.store.UpdateOrderStatus(ctx, r.OrderID, store.OrderPending, store.OrderConfirmed, time.Now().UTC())
	if err != nil {
		return err
	}
	if !updated {
		return s.duplicate(ctx, env, "order no longer pending")
	}
	s.log(ctx, env).Info("order confirmed")
	s.observe(env, telemetry.OutcomeProcessed)
	return nil
}

func (s *OrderService) cancel(ctx context.Context, env event.Envelope, orderID, reason string, topics ...string) error {
	order, err := s.store.FindOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return s.ignored(ctx, env, "unknown order")
	}
	if err != nil {
		return err
	}
	if order.Status == store.OrderCancelled {
		return s.duplicate(ctx, env, "order cancelled")
	}
	now := time.Now().UTC()
	cancelled, ok := DecideCancellation(order, reason, now)
	if !ok {
		s.log(ctx, env).Warn("order cannot be cancelled", zap.String("status", string(order.Status)))
		return s.ignored(ctx, env, "illegal transition")
	}

	out := event.New(event.SourceOrderService, env.TransactionID(), cancelled)
	applied, err := commit(ctx, s.store, func(ctx context.Context) error {
		updated, err := s.store.UpdateOrderStatus(ctx, orderID, store.OrderPending, store.OrderCancelled, now)
		if err != nil {
			return err
		}
		if !updated {
			return errAlreadyApplied
		}
		return writeOutbox(ctx, s.store, event.AggregateOrder, out, topics...)
	})
	if err != nil {
		return err
	}
	if !applied {
		return s.duplicate(ctx, env, "order no longer pending")
	}
	s.log(ctx, env).Warn("order cancelled", zap.String("reason", reason))
	s.observe(env, telemetry.OutcomeProcessed)
	return nil
}

// Subscriptions lists the order participant's consumer groups.
func (s *OrderService) Subscriptions() []Subscription {
	return []Subscription{
		{Group: GroupOrderCompensation, Topic: event.TopicPayments, Handle: s.onPayments},
		{Group: GroupOrderConfirmation, Topic: event.TopicInventory, Handle: s.onInventory},
	}
}

func (s *OrderService) onPayments(ctx context.Context, env event.Envelope) error {
	switch p := env.Payload().(type) {
	case event.PaymentProcessed:
		return s.HandlePaymentProcessed(ctx, env, p)
	case event.PaymentRefunded:
		return s.HandlePaymentRefunded(ctx, env, p)
	default:
		return s.ignored(ctx, env, "not handled on payments")
	}
}

func (s *OrderService) onInventory(ctx context.Context, env event.Envelope) error {
	if r, ok := env.Payload().(event.InventoryReserved); ok {
		return s.HandleInventoryReserved(ctx, env, r)
	}
	return s.ignored(ctx, env, "not handled on inventory")
}
