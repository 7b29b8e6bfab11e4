package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/jmoiron/sqlx"
)

type OrderRepo struct{ db *sqlx.DB }

func NewOrderRepo(db *sqlx.DB) *OrderRepo { return &OrderRepo{db: db} }

var _ orders.Store = (*OrderRepo)(nil)

type orderRow struct {
	ID           string        `db:"id"`
	UserID       string        `db:"user_id"`
	BranchID     string        `db:"branch_id"`
	Status       string        `db:"status"`
	TotalCents   int64         `db:"total_cents"`
	DeliveryTime sql.NullInt64 `db:"delivery_time"`
	CreatedAt    int64         `db:"created_at"`
	UpdatedAt    int64         `db:"updated_at"`
}

type itemRow struct {
	OrderID    string `db:"order_id"`
	ProductID  string `db:"product_id"`
	Qty        int    `db:"qty"`
	PriceCents int64  `db:"price_cents"`
}

const orderColumns = `id, user_id, branch_id, status, total_cents, delivery_time, created_at, updated_at`

func (r orderRow) decode() (orders.Order, error) {
	st, err := orders.ParseStatus(r.Status)
	if err != nil {
		return orders.Order{}, err
	}
	o := orders.Order{
		ID:         r.ID,
		UserID:     r.UserID,
		BranchID:   r.BranchID,
		Status:     st,
		TotalCents: orders.Cents(r.TotalCents),
		CreatedAt:  fromNanos(r.CreatedAt),
		UpdatedAt:  fromNanos(r.UpdatedAt),
	}
	if r.DeliveryTime.Valid {
		t := fromNanos(r.DeliveryTime.Int64)
		o.DeliveryTime = &t
	}
	return o, nil
}

func (r *OrderRepo) CreateOrder(ctx context.Context, o orders.Order) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var delivery sql.NullInt64
	if o.DeliveryTime != nil {
		delivery = sql.NullInt64{Int64: nanos(*o.DeliveryTime), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orders(id, user_id, branch_id, status, total_cents, delivery_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.BranchID, string(o.Status), int64(o.TotalCents), delivery, nanos(o.CreatedAt), nanos(o.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	for _, it := range o.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items(order_id, product_id, qty, price_cents) VALUES (?, ?, ?, ?)`,
			o.ID, it.ProductID, it.Qty, int64(it.PriceCents),
		); err != nil {
			return fmt.Errorf("insert order item %s: %w", it.ProductID, err)
		}
	}
	return tx.Commit()
}

func (r *OrderRepo) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, orders.NotFound("order", id)
	}
	if err != nil {
		return orders.Order{}, err
	}
	return r.withItems(ctx, row)
}

func (r *OrderRepo) UpdateStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) (orders.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row, `
		UPDATE orders SET status = ?, updated_at = ?
		WHERE id = ? AND (status = ? OR (status = ? AND updated_at = ?))
		RETURNING `+orderColumns,
		string(to), nanos(at), id, string(from), string(to), nanos(at))
	if errors.Is(err, sql.ErrNoRows) {
		var cur string
		err = r.db.GetContext(ctx, &cur, `SELECT status FROM orders WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
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
	return r.withItems(ctx, row)
}

func (r *OrderRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]orders.Order, error) {
	var rows []orderRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, userID, limit, offset); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	q, args, err := sqlx.In(`SELECT order_id, product_id, qty, price_cents FROM order_items
		WHERE order_id IN (?) ORDER BY order_id, product_id`, ids)
	if err != nil {
		return nil, err
	}
	var items []itemRow
	if err := r.db.SelectContext(ctx, &items, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	byOrder := make(map[string][]orders.LineItem, len(rows))
	for _, it := range items {
		byOrder[it.OrderID] = append(byOrder[it.OrderID], it.decode())
	}

	out := make([]orders.Order, 0, len(rows))
	for _, row := range rows {
		o, err := row.decode()
		if err != nil {
			return nil, err
		}
		o.Items = byOrder[o.ID]
		out = append(out, o)
	}
	return out, nil
}

func (r *OrderRepo) withItems(ctx context.Context, row orderRow) (orders.Order, error) {
	o, err := row.decode()
	if err != nil {
		return orders.Order{}, err
	}
	var items []itemRow
	if err := r.db.SelectContext(ctx, &items, `SELECT order_id, product_id, qty, price_cents FROM order_items
		WHERE order_id = ? ORDER BY product_id`, o.ID); err != nil {
		return orders.Order{}, err
	}
	for _, it := range items {
		o.Items = append(o.Items, it.decode())
	}
	return o, nil
}

func (r itemRow) decode() orders.LineItem {
	return orders.LineItem{OrderID: r.OrderID, ProductID: r.ProductID, Qty: r.Qty, PriceCents: orders.Cents(r.PriceCents)}
}
