package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

// TopicOrderConfirmed is where confirmations go on the notification sink.
const TopicOrderConfirmed = "order.confirmed"

// ConfirmationMessage is sent to the customer once stock is reserved.
type ConfirmationMessage struct {
	OrderID       string `json:"orderId"`
	TransactionID string `json:"transactionId"`
	ReservationID string `json:"reservationId"`
	Message       string `json:"message"`
}

// NotificationService sends one confirmation per reserved order.
type NotificationService struct {
	participant
	store   store.NotificationRepository
	sink    broker.MessageBroker
	channel string
}

func NewNotificationService(s store.NotificationRepository, sink broker.MessageBroker, channel string, logger *zap.Logger, metrics *telemetry.Metrics) *NotificationService {
	return &NotificationService{
		participant: newParticipant(participantNotification, logger, metrics),
		store:       s,
		sink:        sink,
		channel:     channel,
	}
}

// HandleInventoryReserved notifies the customer of a reserved order. The
// notification row is written only after a successful send.
func (s *NotificationService) HandleInventoryReserved(ctx context.Context, env event.Envelope, r event.InventoryReserved) error {
	if r.Status != event.ReservationReserved {
		return s.ignored(ctx, env, "reservation not made")
	}
	if existing, err := s.store.FindNotificationByOrder(ctx, r.OrderID); err == nil {
		return s.duplicate(ctx, env, existing.NotificationID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	body, err := json.Marshal(ConfirmationMessage{
		OrderID:       r.OrderID,
		TransactionID: env.TransactionID(),
		ReservationID: r.ReservationID,
		Message:       "Your order has been confirmed",
	})
	if err != nil {
		return err
	}
	err = s.sink.Publish(ctx, broker.Message{
		Topic:   TopicOrderConfirmed,
		Key:     r.OrderID,
		Value:   body,
		Headers: map[string]string{broker.HeaderEventType: string(env.EventType())},
	})
	if err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}

	err = s.store.CreateNotification(ctx, store.Notification{
		NotificationID: uuid.NewString(),
		OrderID:        r.OrderID,
		Channel:        s.channel,
		TransactionID:  env.TransactionID(),
		CreatedAt:      time.Now().UTC(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return s.duplicate(ctx, env, "notification row")
	}
	if err != nil {
		return err
	}
	s.log(ctx, env).Info("order confirmation sent", zap.String("channel", s.channel))
	s.observe(env, telemetry.OutcomeProcessed)
	return nil
}

// Subscriptions lists the notification participant's consumer groups.
func (s *NotificationService) Subscriptions() []Subscription {
	return []Subscription{
		{Group: GroupNotification, Topic: event.TopicInventory, Handle: s.onInventory},
	}
}

func (s *NotificationService) onInventory(ctx context.Context, env event.Envelope) error {
	if r, ok := env.Payload().(event.InventoryReserved); ok {
		return s.HandleInventoryReserved(ctx, env, r)
	}
	return s.ignored(ctx, env, "not handled on inventory")
}
