package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-saga/pkg/event"
)

type memoryTxKey struct{}

type memoryData struct {
	orders        map[string]Order
	payments      map[string]Payment // by order id
	reservations  map[string]Reservation
	notifications map[string]Notification
	outbox        []OutboxRecord
	snapshots     map[string][]Snapshot
	seq           int64
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		orders:        make(map[string]Order, len(d.orders)),
		payments:      make(map[string]Payment, len(d.payments)),
		reservations:  make(map[string]Reservation, len(d.reservations)),
		notifications: make(map[string]Notification, len(d.notifications)),
		outbox:        append([]OutboxRecord(nil), d.outbox...),
		snapshots:     make(map[string][]Snapshot, len(d.snapshots)),
		seq:           d.seq,
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.reservations {
		c.reservations[k] = v
	}
	for k, v := range d.notifications {
		c.notifications[k] = v
	}
	for k, v := range d.snapshots {
		c.snapshots[k] = append([]Snapshot(nil), v...)
	}
	return c
}

// MemoryRepository is an in-process Store and SnapshotRepository. WithinTx
// serializes transactions and restores the previous state when fn fails.
type MemoryRepository struct {
	mu   sync.Mutex
	data *memoryData
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: &memoryData{
		orders:        map[string]Order{},
		payments:      map[string]Payment{},
		reservations:  map[string]Reservation{},
		notifications: map[string]Notification{},
		snapshots:     map[string][]Snapshot{},
	}}
}

func (m *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.data.clone()
	if err := fn(context.WithValue(ctx, memoryTxKey{}, m)); err != nil {
		m.data = saved
		return err
	}
	return nil
}

func (m *MemoryRepository) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(memoryTxKey{}).(*MemoryRepository)
	return ok && owner == m
}

// locked runs fn holding the store lock unless ctx already owns it.
func (m *MemoryRepository) locked(ctx context.Context, fn func(d *memoryData) error) error {
	if !m.inTx(ctx) {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	return fn(m.data)
}

func (m *MemoryRepository) CreateOrder(ctx context.Context, o Order) error {
	return m.locked(ctx, func(d *memoryData) error {
		if _, ok := d.orders[o.OrderID]; ok {
			return &StoreError{Op: "CreateOrder", Err: fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderID)}
		}
		d.orders[o.OrderID] = o
		return nil
	})
}

func (m *MemoryRepository) FindOrder(ctx context.Context, orderID string) (Order, error) {
	var o Order
	err := m.locked(ctx, func(d *memoryData) error {
		found, ok := d.orders[orderID]
		if !ok {
			return ErrNotFound
		}
		o = found
		return nil
	})
	return o, err
}

func (m *MemoryRepository) UpdateOrderStatus(ctx context.Context, orderID string, from, to OrderStatus, at time.Time) (bool, error) {
	var updated bool
	err := m.locked(ctx, func(d *memoryData) error {
		o, ok := d.orders[orderID]
		if !ok || o.Status != from {
			return nil
		}
		o.Status = to
		o.UpdatedAt = at
		d.orders[orderID] = o
		updated = true
		return nil
	})
	return updated, err
}

func (m *MemoryRepository) ListOrderIDsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := m.locked(ctx, func(d *memoryData) error {
		orders := make([]Order, 0, len(d.orders))
		for _, o := range d.orders {
			if o.CreatedAt.Before(cutoff) {
				orders = append(orders, o)
			}
		}
		sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
		for _, o := range orders {
			ids = append(ids, o.OrderID)
		}
		return nil
	})
	return ids, err
}

func (m *MemoryRepository) CreatePayment(ctx context.Context, p Payment) error {
	return m.locked(ctx, func(d *memoryData) error {
		if _, ok := d.payments[p.OrderID]; ok {
			return &StoreError{Op: "CreatePayment", Err: fmt.Errorf("%w: payment for order %s", ErrDuplicate, p.OrderID)}
		}
		d.payments[p.OrderID] = p
		return nil
	})
}

func (m *MemoryRepository) FindPaymentByOrder(ctx context.Context, orderID string) (Payment, error) {
	var p Payment
	err := m.locked(ctx, func(d *memoryData) error {
		found, ok := d.payments[orderID]
		if !ok {
			return ErrNotFound
		}
		p = found
		return nil
	})
	return p, err
}

func (m *MemoryRepository) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to event.PaymentStatus, at time.Time) (bool, error) {
	var updated bool
	err := m.locked(ctx, func(d *memoryData) error {
		for orderID, p := range d.payments {
			if p.PaymentID != paymentID {
				continue
			}
			if p.Status != from {
				return nil
			}
			p.Status = to
			p.UpdatedAt = at
			d.payments[orderID] = p
			updated = true
			return nil
		}
		return nil
	})
	return updated, err
}

func (m *MemoryRepository) CreateReservation(ctx context.Context, r Reservation) error {
	return m.locked(ctx, func(d *memoryData) error {
		if _, ok := d.reservations[r.OrderID]; ok {
			return &StoreError{Op: "CreateReservation", Err: fmt.Errorf("%w: reservation for order %s", ErrDuplicate, r.OrderID)}
		}
		d.reservations[r.OrderID] = r
		return nil
	})
}

func (m *MemoryRepository) FindReservationByOrder(ctx context.Context, orderID string) (Reservation, error) {
	var r Reservation
	err := m.locked(ctx, func(d *memoryData) error {
		found, ok := d.reservations[orderID]
		if !ok {
			return ErrNotFound
		}
		r = found
		return nil
	})
	return r, err
}

func (m *MemoryRepository) CreateNotification(ctx context.Context, n Notification) error {
	return m.locked(ctx, func(d *memoryData) error {
		if _, ok := d.notifications[n.OrderID]; ok {
			return &StoreError{Op: "CreateNotification", Err: fmt.Errorf("%w: notification for order %s", ErrDuplicate, n.OrderID)}
		}
		d.notifications[n.OrderID] = n
		return nil
	})
}

func (m *MemoryRepository) FindNotificationByOrder(ctx context.Context, orderID string) (Notification, error) {
	var n Notification
	err := m.locked(ctx, func(d *memoryData) error {
		found, ok := d.notifications[orderID]
		if !ok {
			return ErrNotFound
		}
		n = found
		return nil
	})
	return n, err
}

func (m *MemoryRepository) InsertOutbox(ctx context.Context, records ...OutboxRecord) error {
	return m.locked(ctx, func(d *memoryData) error {
		for _, r := range records {
			d.seq++
			r.Seq = d.seq
			d.outbox = append(d.outbox, r)
		}
		return nil
	})
}

func (m *MemoryRepository) FetchPending(ctx context.Context, batchSize int) ([]OutboxRecord, error) {
	var records []OutboxRecord
	err := m.locked(ctx, func(d *memoryData) error {
		for _, r := range d.outbox {
			if r.Status == StatusNew {
				records = append(records, r)
			}
		}
		sort.SliceStable(records, func(i, j int) bool {
			if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
				return records[i].CreatedAt.Before(records[j].CreatedAt)
			}
			return records[i].Seq < records[j].Seq
		})
		if len(records) > batchSize {
			records = records[:batchSize]
		}
		return nil
	})
	return records, err
}

func (m *MemoryRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	var claimed bool
	err := m.locked(ctx, func(d *memoryData) error {
		for i := range d.outbox {
			if d.outbox[i].ID != id {
				continue
			}
			if !d.outbox[i].Status.CanTransitionTo(StatusSent) {
				return nil
			}
			at := sentAt
			d.outbox[i].Status = StatusSent
			d.outbox[i].SentAt = &at
			claimed = true
			return nil
		}
		return nil
	})
	return claimed, err
}

// Outbox returns a copy of every outbox record in insertion order.
func (m *MemoryRepository) Outbox() []OutboxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboxRecord(nil), m.data.outbox...)
}

func (m *MemoryRepository) SaveSnapshot(ctx context.Context, s Snapshot) error {
	return m.locked(ctx, func(d *memoryData) error {
		d.snapshots[s.OrderID] = append(d.snapshots[s.OrderID], s)
		return nil
	})
}

func (m *MemoryRepository) LatestSnapshot(ctx context.Context, orderID string) (Snapshot, error) {
	var s Snapshot
	err := m.locked(ctx, func(d *memoryData) error {
		snaps := d.snapshots[orderID]
		if len(snaps) == 0 {
			return ErrNotFound
		}
		latest := snaps[0]
		for _, c := range snaps[1:] {
			if !c.CreatedAt.Before(latest.CreatedAt) {
				latest = c
			}
		}
		s = latest
		return nil
	})
	return s, err
}

// SnapshotCount returns how many snapshots exist for orderID.
func (m *MemoryRepository) SnapshotCount(orderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data.snapshots[orderID])
}

func (m *MemoryRepository) Close() error {
	return nil
}
