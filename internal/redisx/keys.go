package redisx

import "time"

const (
	// Idempotency create order: idem:order:create:{user_id}:{key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Cart per user: hash cart:{user_id}, field product_id -> CartItem JSON
	KeyCart = "cart:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLCart        = 7 * 24 * time.Hour
)
