package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type DeadLetterMessage struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int       `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	Error             string    `json:"error"`
	FailedAt          time.Time `json:"failed_at"`
}

// DeadLetterWriter writes synchronously: the caller only commits the source
// offset once the broker has the copy.
type DeadLetterWriter struct {
	w *kafka.Writer
}

func NewDeadLetterWriter(brokers []string, topic string) *DeadLetterWriter {
	return &DeadLetterWriter{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (d *DeadLetterWriter) Publish(ctx context.Context, m kafka.Message, cause error) error {
	b, err := json.Marshal(newDeadLetterMessage(m, cause, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	// same key keeps parked events of one order together
	if err := d.w.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: b, Headers: m.Headers}); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

func (d *DeadLetterWriter) Close() error {
	return d.w.Close()
}

func newDeadLetterMessage(m kafka.Message, cause error, at time.Time) DeadLetterMessage {
	msg := DeadLetterMessage{
		OriginalTopic:     m.Topic,
		OriginalPartition: m.Partition,
		OriginalOffset:    m.Offset,
		OriginalKey:       string(m.Key),
		OriginalValue:     string(m.Value),
		FailedAt:          at,
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return msg
}
