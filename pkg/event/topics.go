package event

// Topic names on the event log.
const (
	TopicOrders      = "orders"
	TopicPayments    = "payments"
	TopicInventory   = "inventory"
	TopicOrderEvents = "order-events"
)

// Aggregate types recorded on outbox rows.
const (
	AggregateOrder       = "Order"
	AggregatePayment     = "Payment"
	AggregateReservation = "InventoryReservation"
)
