package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
)

// Ledger is the inventory side of the order saga.
type Ledger interface {
	Reserve(ctx context.Context, productID string, qty int) error
	Release(ctx context.Context, productID string, qty int) error
}

type Catalog interface {
	GetProduct(ctx context.Context, id string) (inventory.Product, error)
}

// StatusSink receives every order state the service commits. Writes carry the
// order version so a sink can drop out-of-order updates.
type StatusSink interface {
	Put(ctx context.Context, o Order) error
}

const (
	defaultMaxAttempts = 3

	ReasonPaymentTimeout = "payment_timeout"
	ReasonAdminCancel    = "cancelled_by_admin"
)

// Service owns every order mutation. Reads go straight to the store; writes are
// load -> decide -> compare-and-set, retried on version conflicts.
type Service struct {
	store       Store
	ledger      Ledger
	catalog     Catalog
	publisher   Publisher
	sink        StatusSink
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
	adminEmail  string
	maxAttempts int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithAdminEmail(email string) Option { return func(s *Service) { s.adminEmail = email } }

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

func WithStatusSink(sink StatusSink) Option { return func(s *Service) { s.sink = sink } }

func NewService(store Store, ledger Ledger, catalog Catalog, publisher Publisher, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = PublisherFunc(func(context.Context, Notification) error { return nil })
	}
	s := &Service{
		store:       store,
		ledger:      ledger,
		catalog:     catalog,
		publisher:   publisher,
		logger:      logger,
		tracer:      otel.Tracer("github.com/ariefcatur/go-shop-orders/internal/orders"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ItemInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type CreateOrderInput struct {
	ExternalID    string
	UserID        string
	UserEmail     string
	Items         []ItemInput
	Shipping      ShippingAddress
	PaymentMethod string
}

func (in CreateOrderInput) validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrInvalidOrder)
	}
	for i, it := range in.Items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: product_id is required in items[%d]", ErrInvalidOrder, i)
		}
		if it.Qty <= 0 {
			return fmt.Errorf("%w: qty must be > 0 in items[%d]", ErrInvalidOrder, i)
		}
	}
	return nil
}

// CreateOrder reserves stock for every line and persists the order as Pending.
// The returned bool is true when ExternalID matched an existing order of the same
// user, which is returned as-is without touching inventory.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (_ Order, existed bool, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.CreateOrder", trace.WithAttributes(attribute.String("user.id", in.UserID)))
	defer func() { endSpan(span, err) }()

	if err := in.validate(); err != nil {
		return Order{}, false, err
	}

	if in.ExternalID != "" {
		prev, err := s.store.GetByExternalID(ctx, in.UserID, in.ExternalID)
		if err == nil {
			return prev, true, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return Order{}, false, fmt.Errorf("%w: lookup external id: %w", ErrPersistence, err)
		}
	}

	items, err := s.snapshot(ctx, in.Items)
	if err != nil {
		return Order{}, false, err
	}

	if err := s.reserveAll(ctx, items); err != nil {
		return Order{}, false, err
	}

	now := s.now()
	o := Order{
		ID:            s.newID(),
		ExternalID:    in.ExternalID,
		UserID:        in.UserID,
		UserEmail:     in.UserEmail,
		Items:         items,
		Shipping:      in.Shipping,
		PaymentMethod: in.PaymentMethod,
		Totals:        CalcTotals(items),
		Status:        StatusPending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		s.releaseAll(ctx, o.ID, items)
		if errors.Is(err, ErrDuplicateOrder) {
			// lost a race on the same external id; the winner holds the stock
			if prev, gerr := s.store.GetByExternalID(ctx, in.UserID, in.ExternalID); gerr == nil {
				return prev, true, nil
			}
		}
		return Order{}, false, fmt.Errorf("%w: create order: %w", ErrPersistence, err)
	}
	s.mirror(ctx, o)

	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.Int("items", len(o.Items)),
		zap.Int64("total_cents", o.Totals.TotalCents),
	)
	s.emit(ctx, Notification{
		Kind:      KindOrderCreated,
		OrderID:   o.ID,
		Recipient: o.UserEmail,
		Data: map[string]any{
			"total_cents": o.Totals.TotalCents,
			"items":       len(o.Items),
			"pay_before":  o.CreatedAt.Add(ExpireAfter).Format(time.RFC3339),
		},
	})
	return o, false, nil
}

// MarkPaid records a captured payment and moves the order to Processing.
func (s *Service) MarkPaid(ctx context.Context, orderID string, res PaymentResult) (_ Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.MarkPaid", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	o, _, err := s.mutate(ctx, orderID, nil, func(o *Order) (bool, error) {
		if o.IsPaid {
			return false, ErrAlreadyPaid
		}
		if !res.Captured() {
			return false, fmt.Errorf("%w: capture status %q", ErrPaymentNotCaptured, res.Status)
		}
		if o.Status != StatusPending {
			return false, fmt.Errorf("%w: cannot pay order in status %s", ErrInvalidTransition, o.Status)
		}
		now := s.now()
		payment := res
		o.IsPaid = true
		o.PaidAt = &now
		o.Payment = &payment
		o.Status = StatusProcessing
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger.Info("order paid",
		zap.String("order_id", o.ID),
		zap.String("payment_id", res.ID),
		zap.Int64("captured_amount_cents", res.CapturedAmountCents),
	)
	data := map[string]any{
		"amount_cents": res.CapturedAmountCents,
		"currency":     res.Currency,
		"paid_at":      o.PaidAt.Format(time.RFC3339),
	}
	s.emit(ctx, Notification{Kind: KindPaymentConfirmed, OrderID: o.ID, Recipient: o.UserEmail, Data: data})
	s.emit(ctx, Notification{Kind: KindOrderPaidAdmin, OrderID: o.ID, Recipient: s.adminEmail, Data: data})
	return o, nil
}

// UpdateStatus is the admin transition. Cancelled is routed through CancelOrder so
// stock is restored; re-applying a terminal status is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, status Status, trackingNumber string) (_ Order, err error) {
	if !status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, status)
	}
	if status == StatusCancelled {
		return s.CancelOrder(ctx, orderID, ReasonAdminCancel)
	}

	ctx, span := s.tracer.Start(ctx, "orders.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(status)),
	))
	defer func() { endSpan(span, err) }()

	trackingNumber = strings.TrimSpace(trackingNumber)
	o, changed, err := s.mutate(ctx, orderID, nil, func(o *Order) (bool, error) {
		if o.Status == status && status.Terminal() {
			return false, nil
		}
		if !CanTransition(o.Status, status) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, status)
		}
		if o.Status == status && (trackingNumber == "" || trackingNumber == o.TrackingNumber) {
			return false, nil
		}
		o.Status = status
		if trackingNumber != "" {
			o.TrackingNumber = trackingNumber
		}
		if status == StatusDelivered {
			now := s.now()
			o.IsDelivered = true
			o.DeliveredAt = &now
		}
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return o, nil
	}

	s.logger.Info("order status updated",
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.String("tracking_number", o.TrackingNumber),
	)
	s.emit(ctx, Notification{
		Kind:      KindOrderStatusChanged,
		OrderID:   o.ID,
		Recipient: o.UserEmail,
		Data: map[string]any{
			"status":          string(o.Status),
			"tracking_number": o.TrackingNumber,
		},
	})
	return o, nil
}

// CancelOrder cancels any non-terminal order and restores its stock. Only the
// writer whose status update wins releases stock, so it happens at most once.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (_ Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	if reason == "" {
		reason = ReasonAdminCancel
	}
	o, changed, err := s.mutate(ctx, orderID, nil, func(o *Order) (bool, error) {
		if o.Status == StatusCancelled {
			return false, nil
		}
		if !CanTransition(o.Status, StatusCancelled) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusCancelled)
		}
		s.applyCancel(o, reason)
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if changed {
		s.afterCancel(ctx, o)
	}
	return o, nil
}

// CancelExpired is driven by the reconciler. The expiry predicate is re-evaluated
// on the freshest state right before the write; a payment that landed in between
// turns this into a skip.
func (s *Service) CancelExpired(ctx context.Context, candidate Order) (_ Order, cancelled bool, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.CancelExpired", trace.WithAttributes(attribute.String("order.id", candidate.ID)))
	defer func() { endSpan(span, err) }()

	o, changed, err := s.mutate(ctx, candidate.ID, &candidate, func(o *Order) (bool, error) {
		if !o.Expired(s.now()) {
			return false, nil
		}
		s.applyCancel(o, ReasonPaymentTimeout)
		return true, nil
	})
	if err != nil {
		return Order{}, false, err
	}
	if changed {
		s.afterCancel(ctx, o)
	}
	return o, changed, nil
}

// SendReminder flags the order and emits a payment reminder. The flag is persisted
// before the event goes out so overlapping runs cannot send twice.
func (s *Service) SendReminder(ctx context.Context, candidate Order) (_ Order, sent bool, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.SendReminder", trace.WithAttributes(attribute.String("order.id", candidate.ID)))
	defer func() { endSpan(span, err) }()

	o, changed, err := s.mutate(ctx, candidate.ID, &candidate, func(o *Order) (bool, error) {
		if !o.ReminderDue(s.now()) {
			return false, nil
		}
		o.ReminderSent = true
		return true, nil
	})
	if err != nil {
		return Order{}, false, err
	}
	if !changed {
		return o, false, nil
	}

	s.logger.Info("payment reminder sent", zap.String("order_id", o.ID))
	s.emit(ctx, Notification{
		Kind:      KindPaymentReminder,
		OrderID:   o.ID,
		Recipient: o.UserEmail,
		Data: map[string]any{
			"total_cents": o.Totals.TotalCents,
			"pay_before":  o.CreatedAt.Add(ExpireAfter).Format(time.RFC3339),
		},
	})
	return o, true, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return Order{}, fmt.Errorf("%w: get order: %w", ErrPersistence, err)
	}
	return o, err
}

func (s *Service) ListOrders(ctx context.Context, f ListFilter) ([]Order, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, f.Status)
	}
	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: list orders: %w", ErrPersistence, err)
	}
	return out, nil
}

func (s *Service) ListUserOrders(ctx context.Context, userID string) ([]Order, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	return s.ListOrders(ctx, ListFilter{UserID: userID})
}

// FindExpired returns unpaid pending orders older than the payment deadline.
func (s *Service) FindExpired(ctx context.Context, limit int) ([]Order, error) {
	return s.store.FindExpired(ctx, ExpiryCutoff(s.now()), limit)
}

// FindReminderDue returns unpaid, unreminded pending orders inside the reminder window.
func (s *Service) FindReminderDue(ctx context.Context, limit int) ([]Order, error) {
	from, to := ReminderWindow(s.now())
	return s.store.FindReminderDue(ctx, from, to, limit)
}

func (s *Service) snapshot(ctx context.Context, in []ItemInput) ([]LineItem, error) {
	items := make([]LineItem, 0, len(in))
	for _, it := range in {
		p, err := s.catalog.GetProduct(ctx, it.ProductID)
		if errors.Is(err, ErrProductNotFound) {
			return nil, fmt.Errorf("product %s: %w", it.ProductID, ErrProductNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get product %s: %w", ErrPersistence, it.ProductID, err)
		}
		items = append(items, LineItem{
			ProductID:  p.ID,
			Name:       p.Name,
			Qty:        it.Qty,
			PriceCents: p.PriceCents,
		})
	}
	return items, nil
}

// reserveAll is the forward half of the creation saga. On the first failure every
// line reserved so far is released before the error is returned.
func (s *Service) reserveAll(ctx context.Context, items []LineItem) error {
	reserved := make([]LineItem, 0, len(items))
	for _, it := range items {
		err := s.ledger.Reserve(ctx, it.ProductID, it.Qty)
		if err == nil {
			reserved = append(reserved, it)
			continue
		}

		s.releaseAll(ctx, "", reserved)
		if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrProductNotFound) {
			s.logger.Info("reservation rejected",
				zap.String("product_id", it.ProductID),
				zap.Int("qty", it.Qty),
				zap.Error(err),
			)
			return fmt.Errorf("product %s: %w", it.ProductID, err)
		}
		return fmt.Errorf("%w: reserve %s: %w", ErrPersistence, it.ProductID, err)
	}
	return nil
}

// releaseAll compensates reservations in reverse order. It runs detached from the
// caller's cancellation; failures are logged for manual stock repair.
func (s *Service) releaseAll(ctx context.Context, orderID string, items []LineItem) {
	ctx = context.WithoutCancel(ctx)
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if err := s.ledger.Release(ctx, it.ProductID, it.Qty); err != nil {
			s.logger.Error("stock release failed, manual repair required",
				zap.String("order_id", orderID),
				zap.String("product_id", it.ProductID),
				zap.Int("qty", it.Qty),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) applyCancel(o *Order, reason string) {
	now := s.now()
	o.Status = StatusCancelled
	o.CancelledAt = &now
	o.CancelReason = reason
}

func (s *Service) afterCancel(ctx context.Context, o Order) {
	s.releaseAll(ctx, o.ID, o.Items)
	s.logger.Info("order cancelled",
		zap.String("order_id", o.ID),
		zap.String("reason", o.CancelReason),
	)
	s.emit(ctx, Notification{
		Kind:      KindOrderCancelled,
		OrderID:   o.ID,
		Recipient: o.UserEmail,
		Data:      map[string]any{"reason": o.CancelReason},
	})
}

// mutate loads the order (or starts from first), lets decide apply a change and
// writes it with a version check. decide returning false leaves the order as is.
func (s *Service) mutate(ctx context.Context, orderID string, first *Order, decide func(o *Order) (bool, error)) (Order, bool, error) {
	for attempt := 1; ; attempt++ {
		var o Order
		if attempt == 1 && first != nil {
			o = first.Clone()
		} else {
			var err error
			if o, err = s.store.Get(ctx, orderID); err != nil {
				if errors.Is(err, ErrOrderNotFound) {
					return Order{}, false, err
				}
				return Order{}, false, fmt.Errorf("%w: load order %s: %w", ErrPersistence, orderID, err)
			}
		}

		changed, err := decide(&o)
		if err != nil {
			return Order{}, false, err
		}
		if !changed {
			return o, false, nil
		}

		o.UpdatedAt = s.now()
		err = s.store.Update(ctx, o)
		if err == nil {
			o.Version++
			s.mirror(ctx, o)
			return o, true, nil
		}
		if errors.Is(err, ErrOrderNotFound) {
			return Order{}, false, err
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Order{}, false, fmt.Errorf("%w: update order %s: %w", ErrPersistence, orderID, err)
		}
		if attempt >= s.maxAttempts {
			return Order{}, false, fmt.Errorf("order %s: %w", orderID, err)
		}
		s.logger.Debug("order changed concurrently, reloading",
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt),
		)
	}
}

func (s *Service) mirror(ctx context.Context, o Order) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Put(context.WithoutCancel(ctx), o); err != nil {
		s.logger.Warn("status mirror write failed",
			zap.String("order_id", o.ID),
			zap.Int("version", o.Version),
			zap.Error(err),
		)
	}
}

func (s *Service) emit(ctx context.Context, n Notification) {
	if n.Recipient == "" {
		s.logger.Debug("notification without recipient dropped",
			zap.String("kind", string(n.Kind)),
			zap.String("order_id", n.OrderID),
		)
		return
	}
	if err := s.publisher.Publish(ctx, n); err != nil {
		s.logger.Warn("notification not emitted",
			zap.String("kind", string(n.Kind)),
			zap.String("order_id", n.OrderID),
			zap.Error(errors.Join(ErrNotificationFailed, err)),
		)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
