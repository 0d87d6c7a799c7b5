package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

var ErrDeliveryFailed = errors.New("notification delivery failed")

type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Handler consumes order events and mails them. It never touches order state.
type Handler struct {
	dedup       Deduper
	renderer    *Renderer
	mailer      Mailer
	logger      *zap.Logger
	sendTimeout time.Duration
}

// NewHandler builds a handler. dedup may be nil, then redeliveries are mailed again.
func NewHandler(dedup Deduper, renderer *Renderer, mailer Mailer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dedup:       dedup,
		renderer:    renderer,
		mailer:      mailer,
		logger:      logger,
		sendTimeout: 10 * time.Second,
	}
}

// HandleMessage is the kafka.Handler. Undecodable messages are dropped so they do
// not block the partition.
func (h *Handler) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, n, err := kafkax.DecodeEvent[orders.Notification](m.Value)
	if err != nil {
		h.logger.Warn("drop undecodable event",
			zap.String("event_id", env.EventID),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err),
		)
		return nil
	}
	return h.Handle(ctx, env.EventID, n)
}

func (h *Handler) Handle(ctx context.Context, eventID string, n orders.Notification) error {
	log := h.logger.With(
		zap.String("event_id", eventID),
		zap.String("kind", string(n.Kind)),
		zap.String("order_id", n.OrderID),
	)

	if h.dedup != nil && eventID != "" {
		first, err := h.dedup.Claim(ctx, eventID)
		if err != nil {
			return fmt.Errorf("dedup claim %s: %w", eventID, err)
		}
		if !first {
			log.Debug("duplicate event skipped")
			return nil
		}
	}

	subject, body, err := h.renderer.Render(n)
	if err != nil {
		log.Warn("drop notification", zap.Error(err))
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	if err := h.mailer.Send(sendCtx, n.Recipient, subject, body); err != nil {
		h.forget(ctx, eventID, log)
		return fmt.Errorf("%w: %s to %s: %w", ErrDeliveryFailed, n.Kind, n.Recipient, err)
	}
	log.Info("notification sent", zap.String("to", n.Recipient))
	return nil
}

func (h *Handler) forget(ctx context.Context, eventID string, log *zap.Logger) {
	if h.dedup == nil || eventID == "" {
		return
	}
	if err := h.dedup.Forget(context.WithoutCancel(ctx), eventID); err != nil {
		log.Warn("release dedup claim", zap.Error(err))
	}
}
