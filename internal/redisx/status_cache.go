package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/redis/go-redis/v9"
)

// CachedStatus is the latest known status of an order.
type CachedStatus struct {
	OrderID   string        `json:"order_id"`
	UserID    string        `json:"user_id"`
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusCache mirrors the latest status of each order for cheap polling.
// It implements orders.Notifier.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: TTLStatusCache}
}

var _ orders.Notifier = (*StatusCache)(nil)

// setIfNewer only overwrites an entry with an older updated_at.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, v = pcall(cjson.decode, cur)
  if ok and v.updated_at_ns and tonumber(v.updated_at_ns) > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

type cacheEntry struct {
	CachedStatus
	UpdatedAtNs int64 `json:"updated_at_ns"`
}

func (c *StatusCache) Publish(ctx context.Context, ch orders.StatusChange) error {
	b, err := json.Marshal(cacheEntry{
		CachedStatus: CachedStatus{OrderID: ch.OrderID, UserID: ch.UserID, Status: ch.To, UpdatedAt: ch.UpdatedAt},
		UpdatedAtNs:  ch.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	key := fmt.Sprintf(KeyOrderStatus, ch.OrderID)
	return setIfNewer.Run(ctx, c.rdb, []string{key}, b, ch.UpdatedAt.UnixNano(), c.ttl.Milliseconds()).Err()
}

// Get returns the cached status; ok is false on a cache miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (cs CachedStatus, ok bool, err error) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedStatus{}, false, nil
	}
	if err != nil {
		return CachedStatus{}, false, err
	}
	if err := json.Unmarshal(b, &cs); err != nil {
		return CachedStatus{}, false, &orders.Error{Kind: orders.KindMalformed, Msg: "cached status", Err: err}
	}
	return cs, true, nil
}
