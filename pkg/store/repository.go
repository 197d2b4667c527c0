package store

import (
	"context"
	"time"

	"github.com/zoff-tech/go-saga/pkg/event"
)

// UnitOfWork runs fn in one local transaction. Every repository call made
// with the ctx passed to fn joins it; either all writes commit or none do.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order Order) error
	FindOrder(ctx context.Context, orderID string) (Order, error)
	// UpdateOrderStatus is conditional on the current status being from.
	UpdateOrderStatus(ctx context.Context, orderID string, from, to OrderStatus, at time.Time) (bool, error)
	ListOrderIDsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

type PaymentRepository interface {
	// CreatePayment returns ErrDuplicate when the order already has a payment.
	CreatePayment(ctx context.Context, payment Payment) error
	FindPaymentByOrder(ctx context.Context, orderID string) (Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, from, to event.PaymentStatus, at time.Time) (bool, error)
}

type ReservationRepository interface {
	// CreateReservation returns ErrDuplicate when the order already has a reservation.
	CreateReservation(ctx context.Context, reservation Reservation) error
	FindReservationByOrder(ctx context.Context, orderID string) (Reservation, error)
}

type NotificationRepository interface {
	CreateNotification(ctx context.Context, notification Notification) error
	FindNotificationByOrder(ctx context.Context, orderID string) (Notification, error)
}

type SnapshotRepository interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	// LatestSnapshot returns the most recently created snapshot or ErrNotFound.
	LatestSnapshot(ctx context.Context, orderID string) (Snapshot, error)
}

// Store is everything the saga participants and the relay need from one database.
type Store interface {
	UnitOfWork
	OrderRepository
	PaymentRepository
	ReservationRepository
	NotificationRepository
	OutBoxRepository
	Close() error
}
