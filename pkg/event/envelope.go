package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope schema version stamped on every event.
const Version = "1.0"

// Sources of saga events.
const (
	SourceOrderService     = "order-service"
	SourcePaymentService   = "payment-service"
	SourceInventoryService = "inventory-service"
)

// Metadata is the non-payload part of an envelope.
type Metadata struct {
	EventID       string
	EventType     Type
	EventVersion  string
	Source        string
	TransactionID string
	Timestamp     time.Time
}

// Envelope is the immutable wire unit exchanged between participants and
// appended to the event store. The payload variant always matches EventType.
type Envelope struct {
	meta    Metadata
	payload Payload
}

// New builds an envelope for payload with a fresh event id and the current time.
func New(source, transactionID string, payload Payload) Envelope {
	return Envelope{
		meta: Metadata{
			EventID:       uuid.NewString(),
			EventType:     payload.EventType(),
			EventVersion:  Version,
			Source:        source,
			TransactionID: transactionID,
			Timestamp:     time.Now().UTC(),
		},
		payload: payload,
	}
}

// FromMetadata builds an envelope from explicit metadata. It fails when the
// metadata event type does not name the payload variant.
func FromMetadata(meta Metadata, payload Payload) (Envelope, error) {
	if payload == nil {
		return Envelope{}, fmt.Errorf("event %s: nil payload", meta.EventID)
	}
	if meta.EventType == "" {
		meta.EventType = payload.EventType()
	}
	if meta.EventType != payload.EventType() {
		return Envelope{}, fmt.Errorf("event %s: type %s does not match payload %s", meta.EventID, meta.EventType, payload.EventType())
	}
	if meta.EventVersion == "" {
		meta.EventVersion = Version
	}
	return Envelope{meta: meta, payload: payload}, nil
}

func (e Envelope) EventID() string       { return e.meta.EventID }
func (e Envelope) EventType() Type       { return e.meta.EventType }
func (e Envelope) EventVersion() string  { return e.meta.EventVersion }
func (e Envelope) Source() string        { return e.meta.Source }
func (e Envelope) TransactionID() string { return e.meta.TransactionID }
func (e Envelope) Timestamp() time.Time  { return e.meta.Timestamp }
func (e Envelope) Metadata() Metadata    { return e.meta }

// Payload returns the payload variant. Variants are value types, so callers
// cannot mutate the envelope through it.
func (e Envelope) Payload() Payload { return e.payload }

// AggregateID is the order id the event belongs to. It is the partitioning key.
func (e Envelope) AggregateID() string {
	if e.payload == nil {
		return ""
	}
	return e.payload.AggregateID()
}
