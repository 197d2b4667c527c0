package saga

import (
	"time"

	"github.com/zoff-tech/go-saga/pkg/event"
	"github.com/zoff-tech/go-saga/pkg/store"
)

// Default business thresholds. Amounts strictly above take the failure branch.
const (
	DefaultPaymentThreshold   = 1000.0
	DefaultInventoryThreshold = 500.0
)

// DecidePayment charges the order unless its amount is above threshold.
func DecidePayment(placed event.OrderPlaced, threshold float64, paymentID string, at time.Time) event.PaymentProcessed {
	status := event.PaymentSuccess
	if placed.TotalAmount > threshold {
		status = event.PaymentFailed
	}
	return event.PaymentProcessed{
		PaymentID:   paymentID,
		OrderID:     placed.OrderID,
		CustomerID:  placed.CustomerID,
		ProductID:   placed.ProductID,
		Quantity:    placed.Quantity,
		Amount:      placed.TotalAmount,
		Status:      status,
		ProcessedAt: at,
	}
}

// DecideReservation reserves stock for a successful payment unless the
// amount is above threshold. It reports false for payments it does not own.
func DecideReservation(paid event.PaymentProcessed, threshold float64, reservationID string, at time.Time) (event.InventoryReserved, bool) {
	if paid.Status != event.PaymentSuccess {
		return event.InventoryReserved{}, false
	}
	status := event.ReservationReserved
	if paid.Amount > threshold {
		status = event.ReservationUnavailable
	}
	return event.InventoryReserved{
		ReservationID: reservationID,
		OrderID:       paid.OrderID,
		ProductID:     paid.ProductID,
		Quantity:      paid.Quantity,
		Amount:        paid.Amount,
		Status:        status,
		ReservedAt:    at,
	}, true
}

// DecideRefund refunds payment when the reservation failed and the payment
// is still refundable.
func DecideRefund(payment store.Payment, reserved event.InventoryReserved, at time.Time) (event.PaymentRefunded, bool) {
	if reserved.Status != event.ReservationUnavailable || !store.CanRefund(payment.Status) {
		return event.PaymentRefunded{}, false
	}
	return event.PaymentRefunded{
		PaymentID:  payment.PaymentID,
		OrderID:    payment.OrderID,
		Amount:     payment.Amount,
		Reason:     "inventory unavailable",
		RefundedAt: at,
	}, true
}

// DecideCancellation cancels a pending order. It reports false when the
// order can no longer move to CANCELLED.
func DecideCancellation(order store.Order, reason string, at time.Time) (event.OrderCancelled, bool) {
	if !order.Status.CanTransitionTo(store.OrderCancelled) {
		return event.OrderCancelled{}, false
	}
	return event.OrderCancelled{OrderID: order.OrderID, Reason: reason, CancelledAt: at}, true
}
