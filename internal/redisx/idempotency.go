package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "-"

var ErrRequestInFlight = errors.New("request with this idempotency key is still in progress")

// Idempotency remembers which order a client key produced.
type Idempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotency(rdb *redis.Client) *Idempotency {
	return &Idempotency{rdb: rdb, ttl: TTLIdempotency}
}

var errKeyExpiring = errors.New("idempotency key expired twice while being read")

// Begin claims key for userID. It returns the stored order id when the key was
// already completed, or ErrRequestInFlight while another request holds it.
func (i *Idempotency) Begin(ctx context.Context, userID, key string) (orderID string, done bool, err error) {
	k := fmt.Sprintf(KeyIdemOrderCreate, userID, key)
	// a key that expires between SETNX and GET gets one more claim
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := i.rdb.SetNX(ctx, k, pendingMarker, i.ttl).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return "", false, nil
		}
		v, err := i.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if v == pendingMarker {
			return "", false, ErrRequestInFlight
		}
		return v, true, nil
	}
	return "", false, errKeyExpiring
}

func (i *Idempotency) Complete(ctx context.Context, userID, key, orderID string) error {
	return i.rdb.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key), orderID, i.ttl).Err()
}

// Abort frees the key so the client can retry after a failed request.
func (i *Idempotency) Abort(ctx context.Context, userID, key string) error {
	return i.rdb.Del(ctx, fmt.Sprintf(KeyIdemOrderCreate, userID, key)).Err()
}

// Dedup tracks processed event ids per consuming service.
type Dedup struct {
	rdb     *redis.Client
	service string
}

func NewDedup(rdb *redis.Client, service string) *Dedup { return &Dedup{rdb: rdb, service: service} }

func (d *Dedup) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, d.rdb, fmt.Sprintf(KeyDedup, d.service, eventID))
}

func (d *Dedup) Mark(ctx context.Context, eventID string) error {
	return d.rdb.Set(ctx, fmt.Sprintf(KeyDedup, d.service, eventID), "1", TTLDedup).Err()
}
