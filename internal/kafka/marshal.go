package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

var (
	ErrBadEnvelope = errors.New("undecodable event envelope")
	ErrBadPayload  = errors.New("undecodable event payload")
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// EncodeEvent stores payload in ev and returns the record value together with the
// type and version headers consumers can route on without decoding.
func EncodeEvent(ev orders.Envelope, payload any) ([]byte, []kafka.Header, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s payload: %w", ev.EventType, err)
	}
	ev.Payload = raw
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s envelope: %w", ev.EventType, err)
	}
	headers := []kafka.Header{
		{Key: HeaderEventType, Value: []byte(ev.EventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(ev.EventVersion))},
	}
	return value, headers, nil
}

// DecodeEvent reads an envelope and its payload. When only the payload is bad the
// envelope is still returned so the caller can report which event it was.
func DecodeEvent[T any](value []byte) (orders.Envelope, T, error) {
	var (
		ev      orders.Envelope
		payload T
	)
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, payload, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	if len(ev.Payload) == 0 {
		return ev, payload, fmt.Errorf("%w: event %s has no payload", ErrBadPayload, ev.EventID)
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return ev, payload, fmt.Errorf("%w: event %s: %w", ErrBadPayload, ev.EventID, err)
	}
	return ev, payload, nil
}
