package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

// a write only lands when it carries a newer order version than the cached one
var setIfNewerScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	local ok, doc = pcall(cjson.decode, cur)
	if ok and type(doc) == "table" and tonumber(doc.version) and tonumber(doc.version) >= tonumber(ARGV[2]) then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1`)

type OrderStatus struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	IsPaid    bool      `json:"is_paid"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func StatusOf(o orders.Order) OrderStatus {
	return OrderStatus{
		OrderID:   o.ID,
		Status:    string(o.Status),
		IsPaid:    o.IsPaid,
		Version:   o.Version,
		UpdatedAt: o.UpdatedAt,
	}
}

// StatusCache mirrors order status for the status endpoint. The order service
// writes through it after every committed change, so every process that mutates
// orders keeps it current.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: TTLStatusCache}
}

// Get reports a miss with ok=false and a nil error.
func (c *StatusCache) Get(ctx context.Context, orderID string) (OrderStatus, bool, error) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return OrderStatus{}, false, nil
	}
	if err != nil {
		return OrderStatus{}, false, err
	}
	var st OrderStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return OrderStatus{}, false, fmt.Errorf("decode cached status of %s: %w", orderID, err)
	}
	return st, true, nil
}

// Put implements orders.StatusSink.
func (c *StatusCache) Put(ctx context.Context, o orders.Order) error {
	_, err := c.Set(ctx, StatusOf(o))
	return err
}

// Set stores st unless the cache already holds the same or a newer version.
func (c *StatusCache) Set(ctx context.Context, st OrderStatus) (stored bool, err error) {
	b, err := json.Marshal(st)
	if err != nil {
		return false, err
	}
	n, err := setIfNewerScript.Run(ctx, c.rdb,
		[]string{fmt.Sprintf(KeyOrderStatus, st.OrderID)},
		b, st.Version, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cache status of %s: %w", st.OrderID, err)
	}
	return n == 1, nil
}
