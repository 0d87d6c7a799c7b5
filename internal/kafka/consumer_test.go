package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeReader hands out queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

type fakeDeadLetter struct {
	mu     sync.Mutex
	failN  int
	parked []kafka.Message
}

func (d *fakeDeadLetter) Publish(_ context.Context, m kafka.Message, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failN > 0 {
		d.failN--
		return errors.New("broker unavailable")
	}
	d.parked = append(d.parked, m)
	return nil
}

var fastRetry = RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}

// failing returns a handler that fails the first n calls.
func failing(n int) (Handler, *int) {
	calls := 0
	return func(context.Context, kafka.Message) error {
		calls++
		if calls <= n {
			return errors.New("smtp down")
		}
		return nil
	}, &calls
}

func TestHandle_RetriesInPlaceBeforeCommitting(t *testing.T) {
	r := &fakeReader{}
	c := newConsumer(r, 1, zap.NewNop(), WithRetry(fastRetry))
	h, calls := failing(2)

	m := kafka.Message{Partition: 0, Offset: 10}
	c.handle(context.Background(), h, m)

	require.Equal(t, 3, *calls)
	require.Equal(t, []kafka.Message{m}, r.commits())
}

func TestHandle_ExhaustedRetries(t *testing.T) {
	tests := []struct {
		name       string
		dlq        *fakeDeadLetter
		wantParked int
	}{
		{name: "without dead letter the message is skipped"},
		{name: "dead lettered then committed", dlq: &fakeDeadLetter{}, wantParked: 1},
		{name: "dead letter write retried until it lands", dlq: &fakeDeadLetter{failN: 2}, wantParked: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeReader{}
			opts := []ConsumerOption{WithRetry(fastRetry)}
			if tt.dlq != nil {
				opts = append(opts, WithDeadLetter(tt.dlq))
			}
			c := newConsumer(r, 1, zap.NewNop(), opts...)
			h, calls := failing(100)

			m := kafka.Message{Partition: 0, Offset: 10}
			c.handle(context.Background(), h, m)

			require.Equal(t, fastRetry.MaxAttempts, *calls)
			require.Equal(t, []kafka.Message{m}, r.commits())
			if tt.dlq != nil {
				require.Len(t, tt.dlq.parked, tt.wantParked)
			}
		})
	}
}

func TestHandle_ShutdownLeavesOffsetUncommitted(t *testing.T) {
	r := &fakeReader{}
	c := newConsumer(r, 1, zap.NewNop(), WithRetry(RetryPolicy{MaxAttempts: 5, BackoffBase: time.Hour}))

	ctx, cancel := context.WithCancel(context.Background())
	h := func(context.Context, kafka.Message) error {
		cancel()
		return errors.New("smtp down")
	}
	c.handle(ctx, h, kafka.Message{Offset: 10})

	require.Empty(t, r.commits())
}

func TestStart_CommitsInOrderPerPartition(t *testing.T) {
	var queue []kafka.Message
	for off := int64(0); off < 4; off++ {
		for p := 0; p < 3; p++ {
			queue = append(queue, kafka.Message{Partition: p, Offset: off})
		}
	}
	r := &fakeReader{queue: queue}
	c := newConsumer(r, 2, zap.NewNop(), WithRetry(fastRetry))

	// the first delivery of partition 1 offset 1 fails; a later offset must not overtake it
	var mu sync.Mutex
	failed := false
	handled := map[int][]int64{}
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if m.Partition == 1 && m.Offset == 1 && !failed {
			failed = true
			return errors.New("smtp down")
		}
		handled[m.Partition] = append(handled[m.Partition], m.Offset)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()

	require.Eventually(t, func() bool { return len(r.commits()) == len(queue) }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	perPartition := map[int][]int64{}
	for _, m := range r.commits() {
		perPartition[m.Partition] = append(perPartition[m.Partition], m.Offset)
	}
	for p := 0; p < 3; p++ {
		require.Equal(t, []int64{0, 1, 2, 3}, perPartition[p], "partition %d", p)
		require.Equal(t, []int64{0, 1, 2, 3}, handled[p], "partition %d", p)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}
	p.setDefaults()
	require.Equal(t, 100*time.Millisecond, p.backoff(1))
	require.Equal(t, 200*time.Millisecond, p.backoff(2))
	require.Equal(t, 800*time.Millisecond, p.backoff(4))
	require.Equal(t, time.Second, p.backoff(5))
	require.Equal(t, time.Second, p.backoff(50))
}

func TestNewDeadLetterMessage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := kafka.Message{Topic: "order.events", Partition: 2, Offset: 7, Key: []byte("o-1"), Value: []byte(`{}`)}

	got := newDeadLetterMessage(m, errors.New("smtp down"), at)
	require.Equal(t, DeadLetterMessage{
		OriginalTopic:     "order.events",
		OriginalPartition: 2,
		OriginalOffset:    7,
		OriginalKey:       "o-1",
		OriginalValue:     `{}`,
		Error:             "smtp down",
		FailedAt:          at,
	}, got)
}
