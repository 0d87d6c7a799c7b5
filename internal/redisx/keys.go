package redisx

import "time"

const (
	// Order status mirror: order_status:{order_id} -> {"status": "...", "version": n, ...}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Distributed lock: lock:{name} -> owner token
	KeyLock = "lock:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
