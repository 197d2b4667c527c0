package eventsourcing

import (
	"slices"

	"github.com/zoff-tech/go-saga/pkg/event"
)

// Status is the order status as seen by the event store projection.
type Status string

const (
	StatusUnknown           Status = "UNKNOWN"
	StatusPlaced            Status = "PLACED"
	StatusPaymentCompleted  Status = "PAYMENT_COMPLETED"
	StatusPaymentFailed     Status = "PAYMENT_FAILED"
	StatusInventoryReserved Status = "INVENTORY_RESERVED"
	StatusPaymentRefunded   Status = "PAYMENT_REFUNDED"
	StatusCancelled         Status = "CANCELLED"
)

// OrderState is the fold of an order's events. It is what snapshots store.
type OrderState struct {
	OrderID                string   `json:"orderId"`
	CustomerID             string   `json:"customerId,omitempty"`
	ProductID              string   `json:"productId,omitempty"`
	Quantity               int      `json:"quantity,omitempty"`
	TotalAmount            float64  `json:"totalAmount,omitempty"`
	Status                 Status   `json:"status"`
	PaymentID              string   `json:"paymentId,omitempty"`
	PaymentStatus          string   `json:"paymentStatus,omitempty"`
	InventoryReservationID string   `json:"inventoryReservationId,omitempty"`
	InventoryStatus        string   `json:"inventoryStatus,omitempty"`
	EventHistory           []string `json:"eventHistory"`
	AppliedEventIDs        []string `json:"appliedEventIds"`
}

func NewOrderState(orderID string) OrderState {
	return OrderState{OrderID: orderID, Status: StatusUnknown}
}

// Apply folds env into s. It reports false for an event id already applied.
// Envelopes without an id are always applied.
func (s *OrderState) Apply(env event.Envelope) bool {
	id := env.EventID()
	if id != "" && slices.Contains(s.AppliedEventIDs, id) {
		return false
	}
	env.Payload().Accept(applier{s: s})
	if id != "" {
		s.AppliedEventIDs = append(s.AppliedEventIDs, id)
	}
	s.EventHistory = append(s.EventHistory, string(env.EventType()))
	return true
}

// setStatus moves the status unless the order is already cancelled.
func (s *OrderState) setStatus(next Status) {
	if s.Status == StatusCancelled {
		return
	}
	s.Status = next
}

type applier struct {
	s *OrderState
}

func (a applier) VisitOrderPlaced(p event.OrderPlaced) {
	a.s.CustomerID = p.CustomerID
	a.s.ProductID = p.ProductID
	a.s.Quantity = p.Quantity
	a.s.TotalAmount = p.TotalAmount
	a.s.setStatus(StatusPlaced)
}

func (a applier) VisitPaymentProcessed(p event.PaymentProcessed) {
	a.s.PaymentID = p.PaymentID
	a.s.PaymentStatus = string(p.Status)
	if p.Status == event.PaymentSuccess {
		a.s.setStatus(StatusPaymentCompleted)
	} else {
		a.s.setStatus(StatusPaymentFailed)
	}
}

func (a applier) VisitInventoryReserved(p event.InventoryReserved) {
	a.s.InventoryReservationID = p.ReservationID
	a.s.InventoryStatus = string(p.Status)
	if p.Status == event.ReservationReserved {
		a.s.setStatus(StatusInventoryReserved)
	}
}

func (a applier) VisitPaymentRefunded(p event.PaymentRefunded) {
	a.s.PaymentStatus = string(event.PaymentRefunded)
	a.s.setStatus(StatusPaymentRefunded)
}

func (a applier) VisitOrderCancelled(event.OrderCancelled) {
	a.s.setStatus(StatusCancelled)
}
