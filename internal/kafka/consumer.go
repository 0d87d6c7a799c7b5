package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is fully processed and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// Reader is the part of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetter parks a message whose handler kept failing.
type DeadLetter interface {
	Publish(ctx context.Context, m kafka.Message, cause error) error
}

type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (p *RetryPolicy) setDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 500 * time.Millisecond
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 30 * time.Second
	}
}

// backoff is base, 2*base, 4*base ... capped at BackoffMax.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt && d < p.BackoffMax; i++ {
		d *= 2
	}
	return min(d, p.BackoffMax)
}

type Consumer struct {
	r       Reader
	workers int
	retry   RetryPolicy
	dlq     DeadLetter
	logger  *zap.Logger
}

type ConsumerOption func(*Consumer)

func WithRetry(p RetryPolicy) ConsumerOption { return func(c *Consumer) { c.retry = p } }

// WithDeadLetter sends messages that exhausted their retries to d before their
// offset is committed. Without it they are logged and skipped.
func WithDeadLetter(d DeadLetter) ConsumerOption { return func(c *Consumer) { c.dlq = d } }

func NewConsumer(brokers []string, group, topic string, workers int, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commits
	})
	if logger == nil {
		logger = zap.NewNop()
	}
	return newConsumer(r, workers, logger.With(zap.String("topic", topic), zap.String("group", group)), opts...)
}

func newConsumer(r Reader, workers int, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{r: r, workers: workers, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.setDefaults()
	return c
}

// Start fetches messages until ctx is done. Each partition is pinned to one lane
// and a lane finishes a message (success, or dead-lettered after retries) before
// it commits and moves on, so offsets are committed in order per partition and
// events for one order are handled in the order they were produced.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 16)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.handle(ctx, h, m)
			}
		}(lanes[i])
	}
	defer wg.Wait()
	defer func() {
		for _, l := range lanes {
			close(l)
		}
	}()

	c.logger.Info("kafka consumer started",
		zap.Int("lanes", c.workers),
		zap.Int("max_attempts", c.retry.MaxAttempts),
		zap.Bool("dead_letter", c.dlq != nil),
	)
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle runs h with retries and commits the offset once the message is settled.
// On shutdown it returns without committing, so the message is redelivered.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	if ctx.Err() != nil {
		return
	}
	log := c.logger.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	err := c.process(ctx, h, m, log)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !c.deadLetter(ctx, m, err, log) {
			return
		}
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		log.Error("commit offset", zap.Error(err))
	}
}

func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message, log *zap.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 && !sleep(ctx, c.retry.backoff(attempt-1)) {
			return ctx.Err()
		}
		lastErr = h(ctx, m)
		if lastErr == nil {
			if attempt > 1 {
				log.Info("message handled after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		log.Warn("handler failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retry.MaxAttempts),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

// deadLetter reports whether the offset may be committed. A failing dead-letter
// write is retried until it succeeds or ctx ends; the lane stays blocked meanwhile
// so the partition is never committed past an unparked message.
func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, cause error, log *zap.Logger) bool {
	if c.dlq == nil {
		log.Error("dropping message after retries", zap.Error(cause))
		return true
	}
	for attempt := 1; ; attempt++ {
		err := c.dlq.Publish(ctx, m, cause)
		if err == nil {
			log.Error("message moved to dead letter topic", zap.Error(cause))
			return true
		}
		log.Error("dead letter publish failed, not committing", zap.Int("attempt", attempt), zap.Error(err))
		if !sleep(ctx, c.retry.backoff(attempt)) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
