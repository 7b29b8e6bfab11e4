package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/redis/go-redis/v9"
)

// CartRepo keeps one cart per user. A cart only holds products from one branch.
type CartRepo struct {
	rdb *redis.Client
}

func NewCartRepo(rdb *redis.Client) *CartRepo { return &CartRepo{rdb: rdb} }

const maxCartTxRetries = 5

func (r *CartRepo) Get(ctx context.Context, userID string) (orders.Cart, error) {
	return r.load(ctx, r.rdb, fmt.Sprintf(KeyCart, userID))
}

// Add puts an item in the cart. If the product is already there the quantities are summed.
func (r *CartRepo) Add(ctx context.Context, userID string, it orders.CartItem) (orders.Cart, error) {
	switch {
	case it.ProductID == "" || it.BranchID == "":
		return orders.Cart{}, orders.InvalidInput("product and branch are required")
	case it.Qty <= 0:
		return orders.Cart{}, orders.InvalidInput("quantity must be positive, got %d", it.Qty)
	case it.PriceCents < 0:
		return orders.Cart{}, orders.InvalidInput("price cannot be negative")
	}
	return r.update(ctx, userID, func(c *orders.Cart) error {
		for i := range c.Items {
			if c.Items[i].BranchID != it.BranchID {
				return orders.InvalidInput("cart already holds products from branch %s", c.Items[i].BranchID)
			}
		}
		for i := range c.Items {
			if c.Items[i].ProductID == it.ProductID {
				c.Items[i].Qty += it.Qty
				return nil
			}
		}
		c.Items = append(c.Items, it)
		return nil
	})
}

// UpdateQuantity sets the quantity of a product; zero or less removes it.
func (r *CartRepo) UpdateQuantity(ctx context.Context, userID, productID string, qty int) (orders.Cart, error) {
	if qty <= 0 {
		return r.Remove(ctx, userID, productID)
	}
	return r.update(ctx, userID, func(c *orders.Cart) error {
		for i := range c.Items {
			if c.Items[i].ProductID == productID {
				c.Items[i].Qty = qty
				return nil
			}
		}
		return orders.NotFound("cart item", productID)
	})
}

func (r *CartRepo) Remove(ctx context.Context, userID, productID string) (orders.Cart, error) {
	key := fmt.Sprintf(KeyCart, userID)
	if err := r.rdb.HDel(ctx, key, productID).Err(); err != nil {
		return orders.Cart{}, err
	}
	return r.load(ctx, r.rdb, key)
}

func (r *CartRepo) Clear(ctx context.Context, userID string) error {
	return r.rdb.Del(ctx, fmt.Sprintf(KeyCart, userID)).Err()
}

// update runs fn over the cart under WATCH so concurrent edits are not lost.
func (r *CartRepo) update(ctx context.Context, userID string, fn func(c *orders.Cart) error) (orders.Cart, error) {
	key := fmt.Sprintf(KeyCart, userID)
	var out orders.Cart
	txf := func(tx *redis.Tx) error {
		c, err := r.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		fields := make([]any, 0, 2*len(c.Items))
		for _, it := range c.Items {
			b, err := json.Marshal(it)
			if err != nil {
				return err
			}
			fields = append(fields, it.ProductID, b)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fields...)
			p.Expire(ctx, key, TTLCart)
			return nil
		})
		out = c
		return err
	}

	for i := 0; i < maxCartTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return orders.Cart{}, err
		}
		return out, nil
	}
	return orders.Cart{}, orders.Transient("update cart", redis.TxFailedErr)
}

func (r *CartRepo) load(ctx context.Context, c redis.Cmdable, key string) (orders.Cart, error) {
	raw, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return orders.Cart{}, err
	}
	cart := orders.Cart{Items: make([]orders.CartItem, 0, len(raw))}
	for field, v := range raw {
		var it orders.CartItem
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			return orders.Cart{}, &orders.Error{Kind: orders.KindMalformed, Msg: "cart item " + field, Err: err}
		}
		cart.Items = append(cart.Items, it)
	}
	sort.Slice(cart.Items, func(i, j int) bool { return cart.Items[i].ProductID < cart.Items[j].ProductID })
	return cart, nil
}
