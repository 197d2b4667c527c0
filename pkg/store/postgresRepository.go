package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/zoff-tech/go-saga/pkg/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const uniqueViolation = "23505"

// PostgresRepository implements Store and SnapshotRepository on database/sql
// with the lib/pq driver. A *sql.Tx carried in the context is joined.
type PostgresRepository struct {
	db     *sql.DB // using database/sql
	tracer trace.Tracer
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, tracer: otel.Tracer(tracerName)}
}

func (p *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.withTransaction(ctx, "WithinTx", func(ctx context.Context, _ *sql.Tx) (int, error) {
		return 0, fn(ctx)
	})
}

func (p *PostgresRepository) CreateOrder(ctx context.Context, o Order) error {
	return p.withTransaction(ctx, "CreateOrder", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (order_id, customer_id, product_id, quantity, total_amount, status, transaction_id, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			o.OrderID, o.CustomerID, o.ProductID, o.Quantity, o.TotalAmount, o.Status, o.TransactionID, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return 0, classify("CreateOrder", err)
		}
		return 1, nil
	})
}

func (p *PostgresRepository) FindOrder(ctx context.Context, orderID string) (Order, error) {
	var o Order
	err := p.withTransaction(ctx, "FindOrder", func(ctx context.Context, tx *sql.Tx) (int, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT order_id, customer_id, product_id, quantity, total_amount, status, transaction_id, created_at, updated_at
             FROM orders WHERE order_id = $1`, orderID).
			Scan(&o.OrderID, &o.CustomerID, &o.ProductID, &o.Quantity, &o.TotalAmount, &o.Status, &o.TransactionID, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return 0, classify("FindOrder", err)
		}
		return 1, nil
	})
	return o, err
}

func (p *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID string, from, to OrderStatus, at time.Time) (bool, error) {
	var updated bool
	err := p.withTransaction(ctx, "UpdateOrderStatus", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = $1, updated_at = $2 WHERE order_id = $3 AND status = $4`,
			to, at, orderID, from)
		if err != nil {
			return 0, classify("UpdateOrderStatus", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, classify("UpdateOrderStatus", err)
		}
		updated = n == 1
		return int(n), nil
	})
	return updated, err
}

func (p *PostgresRepository) ListOrderIDsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := p.withTransaction(ctx, "ListOrderIDsCreatedBefore", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT order_id FROM orders WHERE created_at < $1 ORDER BY created_at`, cutoff)
		if err != nil {
			return 0, classify("ListOrderIDsCreatedBefore", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return 0, classify("ListOrderIDsCreatedBefore", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return 0, classify("ListOrderIDsCreatedBefore", err)
		}
		return len(ids), nil
	})
	return ids, err
}

func (p *PostgresRepository) CreatePayment(ctx context.Context, pm Payment) error {
	return p.withTransaction(ctx, "CreatePayment", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO payments (payment_id, order_id, customer_id, amount, status, transaction_id, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			pm.PaymentID, pm.OrderID, pm.CustomerID, pm.Amount, pm.Status, pm.TransactionID, pm.CreatedAt, pm.UpdatedAt)
		if err != nil {
			return 0, classify("CreatePayment", err)
		}
		return 1, nil
	})
}

func (p *PostgresRepository) FindPaymentByOrder(ctx context.Context, orderID string) (Payment, error) {
	var pm Payment
	err := p.withTransaction(ctx, "FindPaymentByOrder", func(ctx context.Context, tx *sql.Tx) (int, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT payment_id, order_id, customer_id, amount, status, transaction_id, created_at, updated_at
             FROM payments WHERE order_id = $1`, orderID).
			Scan(&pm.PaymentID, &pm.OrderID, &pm.CustomerID, &pm.Amount, &pm.Status, &pm.TransactionID, &pm.CreatedAt, &pm.UpdatedAt)
		if err != nil {
			return 0, classify("FindPaymentByOrder", err)
		}
		return 1, nil
	})
	return pm, err
}

func (p *PostgresRepository) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to event.PaymentStatus, at time.Time) (bool, error) {
	var updated bool
	err := p.withTransaction(ctx, "UpdatePaymentStatus", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE payments SET status = $1, updated_at = $2 WHERE payment_id = $3 AND status = $4`,
			to, at, paymentID, from)
		if err != nil {
			return 0, classify("UpdatePaymentStatus", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, classify("UpdatePaymentStatus", err)
		}
		updated = n == 1
		return int(n), nil
	})
	return updated, err
}

func (p *PostgresRepository) CreateReservation(ctx context.Context, r Reservation) error {
	return p.withTransaction(ctx, "CreateReservation", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reservations (reservation_id, order_id, product_id, quantity, status, transaction_id, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ReservationID, r.OrderID, r.ProductID, r.Quantity, r.Status, r.TransactionID, r.CreatedAt)
		if err != nil {
			return 0, classify("CreateReservation", err)
		}
		return 1, nil
	})
}

func (p *PostgresRepository) FindReservationByOrder(ctx context.Context, orderID string) (Reservation, error) {
	var r Reservation
	err := p.withTransaction(ctx, "FindReservationByOrder", func(ctx context.Context, tx *sql.Tx) (int, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT reservation_id, order_id, product_id, quantity, status, transaction_id, created_at
             FROM reservations WHERE order_id = $1`, orderID).
			Scan(&r.ReservationID, &r.OrderID, &r.ProductID, &r.Quantity, &r.Status, &r.TransactionID, &r.CreatedAt)
		if err != nil {
			return 0, classify("FindReservationByOrder", err)
		}
		return 1, nil
	})
	return r, err
}

func (p *PostgresRepository) CreateNotification(ctx context.Context, n Notification) error {
	return p.withTransaction(ctx, "CreateNotification", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO notifications (notification_id, order_id, channel, transaction_id, created_at)
             VALUES ($1, $2, $3, $4, $5)`,
			n.NotificationID, n.OrderID, n.Channel, n.TransactionID, n.CreatedAt)
		if err != nil {
			return 0, classify("CreateNotification", err)
		}
		return 1, nil
	})
}

func (p *PostgresRepository) FindNotificationByOrder(ctx context.Context, orderID string) (Notification, error) {
	var n Notification
	err := p.withTransaction(ctx, "FindNotificationByOrder", func(ctx context.Context, tx *sql.Tx) (int, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT notification_id, order_id, channel, transaction_id, created_at
             FROM notifications WHERE order_id = $1`, orderID).
			Scan(&n.NotificationID, &n.OrderID, &n.Channel, &n.TransactionID, &n.CreatedAt)
		if err != nil {
			return 0, classify("FindNotificationByOrder", err)
		}
		return 1, nil
	})
	return n, err
}

func (p *PostgresRepository) InsertOutbox(ctx context.Context, records ...OutboxRecord) error {
	return p.withTransaction(ctx, "InsertOutbox", func(ctx context.Context, tx *sql.Tx) (int, error) {
		for _, r := range records {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, topic, payload, status, created_at)
                 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				r.ID, r.AggregateType, r.AggregateID, r.EventType, r.Topic, r.Payload, r.Status, r.CreatedAt)
			if err != nil {
				return 0, classify("InsertOutbox", err)
			}
		}
		return len(records), nil
	})
}

func (p *PostgresRepository) FetchPending(ctx context.Context, batchSize int) ([]OutboxRecord, error) {
	var records []OutboxRecord
	err := p.withTransaction(ctx, "FetchPending", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, seq, aggregate_type, aggregate_id, event_type, topic, payload, status, created_at
             FROM outbox WHERE status = $1 ORDER BY created_at, seq LIMIT $2`,
			StatusNew, batchSize)
		if err != nil {
			return 0, classify("FetchPending", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r OutboxRecord
			if err := rows.Scan(&r.ID, &r.Seq, &r.AggregateType, &r.AggregateID, &r.EventType, &r.Topic, &r.Payload, &r.Status, &r.CreatedAt); err != nil {
				return 0, classify("FetchPending", err)
			}
			records = append(records, r)
		}
		if err := rows.Err(); err != nil {
			return 0, classify("FetchPending", err)
		}
		return len(records), nil
	})
	return records, err
}

func (p *PostgresRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	var claimed bool
	err := p.withTransaction(ctx, "MarkSent", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = $1, sent_at = $2 WHERE id = $3 AND status = $4`,
			StatusSent, sentAt, id, StatusNew)
		if err != nil {
			return 0, classify("MarkSent", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, classify("MarkSent", err)
		}
		claimed = n == 1
		return int(n), nil
	})
	return claimed, err
}

func (p *PostgresRepository) SaveSnapshot(ctx context.Context, s Snapshot) error {
	return p.withTransaction(ctx, "SaveSnapshot", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_snapshots (id, order_id, partition_id, event_offset, event_count, state, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.ID, s.OrderID, s.Partition, s.EventOffset, s.EventCount, string(s.State), s.CreatedAt)
		if err != nil {
			return 0, classify("SaveSnapshot", err)
		}
		return 1, nil
	})
}

func (p *PostgresRepository) LatestSnapshot(ctx context.Context, orderID string) (Snapshot, error) {
	var s Snapshot
	err := p.withTransaction(ctx, "LatestSnapshot", func(ctx context.Context, tx *sql.Tx) (int, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT id, order_id, partition_id, event_offset, event_count, state, created_at
             FROM order_snapshots WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID).
			Scan(&s.ID, &s.OrderID, &s.Partition, &s.EventOffset, &s.EventCount, &s.State, &s.CreatedAt)
		if err != nil {
			return 0, classify("LatestSnapshot", err)
		}
		return 1, nil
	})
	return s, err
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// withTransaction runs fn in the transaction carried by ctx, or in a new one
// that commits when fn succeeds and rolls back otherwise.
func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) error {
	ctx, span := p.tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	if tx, ok := txFromContext(ctx); ok {
		n, err := fn(ctx, tx)
		if err != nil {
			recordSpanError(span, err)
			return err
		}
		addDBStatsToSpan(span, "postgresql", spanName, n, time.Since(start))
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		recordSpanError(span, err)
		return &StoreError{Op: spanName, Err: err}
	}

	n, err := fn(contextWithTx(ctx, tx), tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			span.RecordError(rbErr)
		}
		recordSpanError(span, err)
		return err
	}
	if err := tx.Commit(); err != nil {
		recordSpanError(span, err)
		return &StoreError{Op: spanName, Err: err}
	}

	addDBStatsToSpan(span, "postgresql", spanName, n, time.Since(start))
	return nil
}

func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return &StoreError{Op: op, Err: fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)}
	}
	return &StoreError{Op: op, Err: err}
}
