package orders

import (
	"errors"

	"github.com/ariefcatur/go-shop-orders/internal/inventory"
)

var (
	ErrInsufficientStock  = inventory.ErrInsufficientStock
	ErrProductNotFound    = inventory.ErrProductNotFound
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyPaid        = errors.New("order already paid")
	ErrPaymentNotCaptured = errors.New("payment not captured")
	ErrDuplicateOrder     = errors.New("order with this external id already exists")
	ErrVersionConflict    = errors.New("order was modified concurrently")
	ErrPersistence        = errors.New("persistence failure")
	ErrNotificationFailed = errors.New("notification delivery failed")
)
