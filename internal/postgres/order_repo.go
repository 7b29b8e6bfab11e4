package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OrderRepo struct{ DB *pgxpool.Pool }

var _ orders.Store = (*OrderRepo)(nil)

const orderColumns = `id, user_id, branch_id, status, total_cents, delivery_time, created_at, updated_at`

// CreateOrder inserts the order and its lines in one transaction.
// A failing line rolls the header back with it.
func (r *OrderRepo) CreateOrder(ctx context.Context, o orders.Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, branch_id, status, total_cents, delivery_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.UserID, o.BranchID, string(o.Status), int64(o.TotalCents), o.DeliveryTime, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, qty, price_cents)
			VALUES ($1, $2, $3, $4)`,
			o.ID, it.ProductID, it.Qty, int64(it.PriceCents),
		)
		if err != nil {
			return fmt.Errorf("insert order item %s: %w", it.ProductID, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *OrderRepo) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.NotFound("order", id)
	}
	if err != nil {
		return orders.Order{}, err
	}
	items, err := r.items(ctx, []string{id})
	if err != nil {
		return orders.Order{}, err
	}
	o.Items = items[id]
	return o, nil
}

// UpdateStatus is a compare-and-set on the status column. A retry of a write that
// already landed (same target and timestamp) is accepted as success.
func (r *OrderRepo) UpdateStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) (orders.Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `
		UPDATE orders SET status=$3, updated_at=$4
		WHERE id=$1 AND (status=$2 OR (status=$3 AND updated_at=$4))
		RETURNING `+orderColumns,
		id, string(from), string(to), at))
	if errors.Is(err, pgx.ErrNoRows) {
		var cur string
		err = r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, id).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.Order{}, orders.NotFound("order", id)
		}
		if err != nil {
			return orders.Order{}, err
		}
		return orders.Order{}, orders.InvalidTransition(orders.Status(cur), to)
	}
	if err != nil {
		return orders.Order{}, err
	}
	items, err := r.items(ctx, []string{id})
	if err != nil {
		return orders.Order{}, err
	}
	o.Items = items[id]
	return o, nil
}

func (r *OrderRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]orders.Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	var ids []string
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (r *OrderRepo) items(ctx context.Context, orderIDs []string) (map[string][]orders.LineItem, error) {
	rows, err := r.DB.Query(ctx, `SELECT order_id, product_id, qty, price_cents FROM order_items
		WHERE order_id = ANY($1) ORDER BY order_id, product_id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]orders.LineItem, len(orderIDs))
	for rows.Next() {
		var it orders.LineItem
		var price int64
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.Qty, &price); err != nil {
			return nil, err
		}
		it.PriceCents = orders.Cents(price)
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o      orders.Order
		status string
		total  int64
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.BranchID, &status, &total, &o.DeliveryTime, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return orders.Order{}, err
	}
	st, err := orders.ParseStatus(status)
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = st
	o.TotalCents = orders.Cents(total)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}
