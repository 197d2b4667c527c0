package store

import (
	"time"

	"github.com/zoff-tech/go-saga/pkg/event"
)

// OrderStatus is the lifecycle of an order row owned by the order participant.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// CanTransitionTo reports whether an order may move from s to next.
// CONFIRMED and CANCELLED are terminal.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s == OrderPending && (next == OrderConfirmed || next == OrderCancelled)
}

// CanRefund reports whether a payment in status s may be refunded.
func CanRefund(s event.PaymentStatus) bool {
	return s == event.PaymentSuccess
}

type Order struct {
	OrderID       string      `json:"orderId"`
	CustomerID    string      `json:"customerId"`
	ProductID     string      `json:"productId"`
	Quantity      int         `json:"quantity"`
	TotalAmount   float64     `json:"totalAmount"`
	Status        OrderStatus `json:"status"`
	TransactionID string      `json:"transactionId"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

type Payment struct {
	PaymentID     string              `json:"paymentId"`
	OrderID       string              `json:"orderId"`
	CustomerID    string              `json:"customerId"`
	Amount        float64             `json:"amount"`
	Status        event.PaymentStatus `json:"status"`
	TransactionID string              `json:"transactionId"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

type Reservation struct {
	ReservationID string                  `json:"reservationId"`
	OrderID       string                  `json:"orderId"`
	ProductID     string                  `json:"productId"`
	Quantity      int                     `json:"quantity"`
	Status        event.ReservationStatus `json:"status"`
	TransactionID string                  `json:"transactionId"`
	CreatedAt     time.Time               `json:"createdAt"`
}

type Notification struct {
	NotificationID string    `json:"notificationId"`
	OrderID        string    `json:"orderId"`
	Channel        string    `json:"channel"`
	TransactionID  string    `json:"transactionId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Snapshot is the folded state of an order as of Offset on Partition of the
// event store topic. Snapshots are append-only.
type Snapshot struct {
	ID          string    `json:"id" bson:"_id"`
	OrderID     string    `json:"orderId" bson:"order_id"`
	Partition   int       `json:"partition" bson:"partition"`
	EventOffset int64     `json:"eventOffset" bson:"event_offset"`
	EventCount  int       `json:"eventCount" bson:"event_count"`
	State       []byte    `json:"state" bson:"state"`
	CreatedAt   time.Time `json:"createdAt" bson:"created_at"`
}
