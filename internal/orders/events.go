package orders

import (
	"context"
	"encoding/json"
	"time"
)

type NotificationKind string

const (
	KindOrderCreated       NotificationKind = "order_created"
	KindPaymentConfirmed   NotificationKind = "payment_confirmed"
	KindOrderPaidAdmin     NotificationKind = "order_paid_admin"
	KindOrderStatusChanged NotificationKind = "order_status_changed"
	KindOrderCancelled     NotificationKind = "order_cancelled"
	KindPaymentReminder    NotificationKind = "payment_reminder"
)

// Notification is handed to the notification sink after a state change. It is not
// persisted; emission is attempted once and delivery is not guaranteed.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	OrderID   string           `json:"order_id"`
	Recipient string           `json:"recipient"`
	Data      map[string]any   `json:"data,omitempty"`
}

// Publisher must not block the caller; implementations queue and return.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

type PublisherFunc func(ctx context.Context, n Notification) error

func (f PublisherFunc) Publish(ctx context.Context, n Notification) error { return f(ctx, n) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}
