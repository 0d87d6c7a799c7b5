package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

type OrderService interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (orders.Order, bool, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, error)
	ListUserOrders(ctx context.Context, userID string) ([]orders.Order, error)
	MarkPaid(ctx context.Context, id string, res orders.PaymentResult) (orders.Order, error)
	UpdateStatus(ctx context.Context, id string, status orders.Status, trackingNumber string) (orders.Order, error)
	CancelOrder(ctx context.Context, id, reason string) (orders.Order, error)
}

type Catalog interface {
	ListProducts(ctx context.Context) ([]inventory.Product, error)
}

// StatusCache is the read side of the status mirror. The order service writes
// it after every change; the handler only fills it on a miss.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.OrderStatus, bool, error)
	Put(ctx context.Context, o orders.Order) error
}

type OrdersHandler struct {
	Orders  OrderService
	Catalog Catalog
	// Cache is optional; without it status reads go to the store.
	Cache  StatusCache
	Logger *zap.Logger
}

type CreateOrderReq struct {
	ExternalID    string                 `json:"external_id"`
	UserID        string                 `json:"user_id"`
	UserEmail     string                 `json:"user_email"`
	Items         []orders.ItemInput     `json:"items"`
	Shipping      orders.ShippingAddress `json:"shipping"`
	PaymentMethod string                 `json:"payment_method"`
}

type CreateOrderResp struct {
	Order      orders.Order `json:"order"`
	Idempotent bool         `json:"idempotent"`
}

type UpdateStatusReq struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
}

type CancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Post("/orders/{id}/pay", h.payOrder)
	r.Put("/orders/{id}/status", h.updateStatus)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Get("/users/{userID}/orders", h.listUserOrders)
	r.Get("/products", h.listProducts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *OrdersHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orders.ErrInvalidOrder):
		code = http.StatusBadRequest
	case errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, orders.ErrProductNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrAlreadyPaid),
		errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, orders.ErrVersionConflict):
		code = http.StatusConflict
	case errors.Is(err, orders.ErrPaymentNotCaptured):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		h.logger().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, code, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *OrdersHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// decode accepts an empty body when allowEmpty is set.
func decode(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := decode(r, &req, false); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, existed, err := h.Orders.CreateOrder(ctx, orders.CreateOrderInput{
		ExternalID:    req.ExternalID,
		UserID:        req.UserID,
		UserEmail:     req.UserEmail,
		Items:         req.Items,
		Shipping:      req.Shipping,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, CreateOrderResp{Order: o, Idempotent: existed})
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orders.ListFilter{UserID: q.Get("user_id"), Status: orders.Status(q.Get("status"))}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offset"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out, err := h.Orders.ListOrders(ctx, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) listUserOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out, err := h.Orders.ListUserOrders(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	if h.Cache != nil {
		st, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			h.logger().Warn("status cache read", zap.String("order_id", orderID), zap.Error(err))
		}
		if ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}

	// 2) fallback to the store
	o, err := h.Orders.GetOrder(ctx, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.fillCache(ctx, o)
	writeJSON(w, http.StatusOK, redisx.StatusOf(o))
}

func (h *OrdersHandler) payOrder(w http.ResponseWriter, r *http.Request) {
	var res orders.PaymentResult
	if err := decode(r, &res, false); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.MarkPaid(ctx, chi.URLParam(r, "id"), res)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusReq
	if err := decode(r, &req, false); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	st, err := orders.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.UpdateStatus(ctx, chi.URLParam(r, "id"), st, req.TrackingNumber)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelReq
	if err := decode(r, &req, true); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.CancelOrder(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Catalog.ListProducts(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// fillCache is best effort. The write is version-checked, so a read that raced
// with a newer change cannot replace it.
func (h *OrdersHandler) fillCache(ctx context.Context, o orders.Order) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Put(ctx, o); err != nil {
		h.logger().Warn("status cache write", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
