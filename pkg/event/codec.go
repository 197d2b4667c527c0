package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEventType is returned when a record names a type outside the known variants.
var ErrUnknownEventType = errors.New("unknown event type")

type wireEnvelope struct {
	EventID       string          `json:"eventId"`
	EventType     Type            `json:"eventType"`
	EventVersion  string          `json:"eventVersion"`
	Source        string          `json:"source"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the envelope with eventType carried in-band.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.payload == nil {
		return nil, fmt.Errorf("event %s: nil payload", e.meta.EventID)
	}
	payload, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.meta.EventType, err)
	}
	return json.Marshal(wireEnvelope{
		EventID:       e.meta.EventID,
		EventType:     e.meta.EventType,
		EventVersion:  e.meta.EventVersion,
		Source:        e.meta.Source,
		TransactionID: e.meta.TransactionID,
		Timestamp:     e.meta.Timestamp,
		Payload:       payload,
	})
}

// UnmarshalJSON decodes an envelope, picking the payload variant from eventType.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := decodePayload(w.EventType, w.Payload)
	if err != nil {
		return err
	}
	env, err := FromMetadata(Metadata{
		EventID:       w.EventID,
		EventType:     w.EventType,
		EventVersion:  w.EventVersion,
		Source:        w.Source,
		TransactionID: w.TransactionID,
		Timestamp:     w.Timestamp,
	}, payload)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// Marshal encodes env for the wire.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal decodes a wire record. Records of an unknown type return an error
// wrapping ErrUnknownEventType.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeOrderPlaced:
		var v OrderPlaced
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	case TypePaymentProcessed:
		var v PaymentProcessed
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	case TypePaymentRefunded:
		var v PaymentRefunded
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	case TypeInventoryReserved:
		var v InventoryReserved
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	case TypeOrderCancelled:
		var v OrderCancelled
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	return p, nil
}
