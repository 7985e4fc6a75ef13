package redisx

import "time"

const (
	// Idempotency for order placement: idem:order:place:{external_id} -> order_id
	KeyIdemPlaceOrder = "idem:order:place:%s"

	// Cache of order status: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup for at-least-once consumers: dedup:{consumer}:{id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
