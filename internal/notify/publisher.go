package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

const eventVersion = 1

// Queue is the non-blocking side of the Kafka producer.
type Queue interface {
	Publish(key, value []byte, headers ...kafkago.Header) error
}

// KafkaPublisher wraps notifications in the event envelope and queues them keyed
// by order id.
type KafkaPublisher struct {
	q        Queue
	producer string
}

func NewKafkaPublisher(q Queue, producer string) *KafkaPublisher {
	return &KafkaPublisher{q: q, producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, n orders.Notification) error {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     string(n.Kind),
		EventVersion:  eventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      p.producer,
		CorrelationID: n.OrderID,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	value, headers, err := kafkax.EncodeEvent(ev, n)
	if err != nil {
		return err
	}
	return p.q.Publish(orders.PartitionKey(n.OrderID), value, headers...)
}
