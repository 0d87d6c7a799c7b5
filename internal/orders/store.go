package orders

import (
	"context"
	"time"
)

type ListFilter struct {
	UserID string
	Status Status
	Limit  int
	Offset int
}

// Store persists order documents. Update is a compare-and-set on Version: it only
// succeeds when the stored version equals o.Version, and stores o.Version+1.
type Store interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	// GetByExternalID looks up an idempotency key within one user's orders.
	GetByExternalID(ctx context.Context, userID, externalID string) (Order, error)
	List(ctx context.Context, f ListFilter) ([]Order, error)
	Update(ctx context.Context, o Order) error
	FindExpired(ctx context.Context, createdBefore time.Time, limit int) ([]Order, error)
	FindReminderDue(ctx context.Context, from, to time.Time, limit int) ([]Order, error)
}
