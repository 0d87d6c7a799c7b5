package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var (
	ErrQueueFull      = errors.New("kafka producer queue is full")
	ErrProducerClosed = errors.New("kafka producer is closed")
)

// Producer buffers messages in memory and writes them from one goroutine, so
// Publish never waits on the broker.
type Producer struct {
	w       *kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
	closed  bool
	inbox   chan kafka.Message
	closeCh chan struct{}
}

func NewProducer(brokers []string, topic string, buf int, logger *zap.Logger) *Producer {
	if buf <= 0 {
		buf = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		logger:  logger.With(zap.String("topic", topic)),
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		Completion:   p.completion,
	}
	return p
}

func (p *Producer) Start() {
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			if err := p.w.WriteMessages(context.Background(), m); err != nil {
				p.logger.Error("kafka write", zap.ByteString("key", m.Key), zap.Error(err))
			}
		}
		if err := p.w.Close(); err != nil {
			p.logger.Warn("kafka writer close", zap.Error(err))
		}
	}()
}

// Publish queues one message. It returns ErrQueueFull instead of blocking.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages; queued ones are still flushed.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

// WaitClosed blocks until the queue is flushed or ctx is done.
func (p *Producer) WaitClosed(ctx context.Context) error {
	select {
	case <-p.closeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Producer) completion(msgs []kafka.Message, err error) {
	if err != nil {
		p.logger.Error("kafka async delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}
