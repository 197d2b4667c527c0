package event

import "time"

// Type names an event variant on the wire.
type Type string

const (
	TypeOrderPlaced       Type = "OrderPlaced"
	TypePaymentProcessed  Type = "PaymentProcessed"
	TypePaymentRefunded   Type = "PaymentRefunded"
	TypeInventoryReserved Type = "InventoryReserved"
	TypeOrderCancelled    Type = "OrderCancelled"
)

// PaymentStatus is the outcome of a payment decision.
type PaymentStatus string

const (
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// ReservationStatus is the outcome of an inventory decision.
type ReservationStatus string

const (
	ReservationReserved    ReservationStatus = "RESERVED"
	ReservationUnavailable ReservationStatus = "UNAVAILABLE"
)

// Payload is the closed set of event variants. Only this package can add one.
type Payload interface {
	EventType() Type
	AggregateID() string
	Accept(v Visitor)
	sealed()
}

// Visitor handles every payload variant. Adding a variant breaks every
// implementation until it handles the new case.
type Visitor interface {
	VisitOrderPlaced(OrderPlaced)
	VisitPaymentProcessed(PaymentProcessed)
	VisitPaymentRefunded(PaymentRefunded)
	VisitInventoryReserved(InventoryReserved)
	VisitOrderCancelled(OrderCancelled)
}

type OrderPlaced struct {
	OrderID     string    `json:"orderId"`
	CustomerID  string    `json:"customerId"`
	ProductID   string    `json:"productId"`
	Quantity    int       `json:"quantity"`
	TotalAmount float64   `json:"totalAmount"`
	PlacedAt    time.Time `json:"placedAt"`
}

type PaymentProcessed struct {
	PaymentID   string        `json:"paymentId"`
	OrderID     string        `json:"orderId"`
	CustomerID  string        `json:"customerId"`
	ProductID   string        `json:"productId"`
	Quantity    int           `json:"quantity"`
	Amount      float64       `json:"amount"`
	Status      PaymentStatus `json:"status"`
	ProcessedAt time.Time     `json:"processedAt"`
}

type PaymentRefunded struct {
	PaymentID  string    `json:"paymentId"`
	OrderID    string    `json:"orderId"`
	Amount     float64   `json:"amount"`
	Reason     string    `json:"reason"`
	RefundedAt time.Time `json:"refundedAt"`
}

type InventoryReserved struct {
	ReservationID string            `json:"reservationId"`
	OrderID       string            `json:"orderId"`
	ProductID     string            `json:"productId"`
	Quantity      int               `json:"quantity"`
	Amount        float64           `json:"amount"`
	Status        ReservationStatus `json:"status"`
	ReservedAt    time.Time         `json:"reservedAt"`
}

type OrderCancelled struct {
	OrderID     string    `json:"orderId"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}

func (OrderPlaced) EventType() Type       { return TypeOrderPlaced }
func (PaymentProcessed) EventType() Type  { return TypePaymentProcessed }
func (PaymentRefunded) EventType() Type   { return TypePaymentRefunded }
func (InventoryReserved) EventType() Type { return TypeInventoryReserved }
func (OrderCancelled) EventType() Type    { return TypeOrderCancelled }

func (p OrderPlaced) AggregateID() string       { return p.OrderID }
func (p PaymentProcessed) AggregateID() string  { return p.OrderID }
func (p PaymentRefunded) AggregateID() string   { return p.OrderID }
func (p InventoryReserved) AggregateID() string { return p.OrderID }
func (p OrderCancelled) AggregateID() string    { return p.OrderID }

func (p OrderPlaced) Accept(v Visitor)       { v.VisitOrderPlaced(p) }
func (p PaymentProcessed) Accept(v Visitor)  { v.VisitPaymentProcessed(p) }
func (p PaymentRefunded) Accept(v Visitor)   { v.VisitPaymentRefunded(p) }
func (p InventoryReserved) Accept(v Visitor) { v.VisitInventoryReserved(p) }
func (p OrderCancelled) Accept(v Visitor)    { v.VisitOrderCancelled(p) }

func (OrderPlaced) sealed()       {}
func (PaymentProcessed) sealed()  {}
func (PaymentRefunded) sealed()   {}
func (InventoryReserved) sealed() {}
func (OrderCancelled) sealed()    {}
