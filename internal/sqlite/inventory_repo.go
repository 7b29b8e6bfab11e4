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

type InventoryRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewInventoryRepo(db *sqlx.DB) *InventoryRepo { return &InventoryRepo{db: db, now: time.Now} }

type recordRow struct {
	Stock       int   `db:"stock"`
	IsAvailable bool  `db:"is_available"`
	UpdatedAt   int64 `db:"updated_at"`
}

func (r *InventoryRepo) Record(ctx context.Context, productID, branchID string) (orders.InventoryRecord, error) {
	var row recordRow
	err := r.db.GetContext(ctx, &row, `SELECT stock, is_available, updated_at FROM product_branches
		WHERE product_id = ? AND branch_id = ?`, productID, branchID)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.InventoryRecord{}, orders.NotFound("inventory record", productID+"@"+branchID)
	}
	if err != nil {
		return orders.InventoryRecord{}, err
	}
	return orders.InventoryRecord{
		ProductID:   productID,
		BranchID:    branchID,
		Stock:       row.Stock,
		IsAvailable: row.IsAvailable,
		UpdatedAt:   fromNanos(row.UpdatedAt),
	}, nil
}

// Reserve records the reservation and decrements stock only if enough is left.
// An existing reservation for (order, product) makes the call a no-op.
// The order must still be pending; a cancel that got in first wins.
func (r *InventoryRepo) Reserve(ctx context.Context, orderID string, it orders.StockRequest) error {
	now := nanos(r.now())
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := orderStillPending(ctx, tx, orderID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reservations(order_id, product_id, branch_id, qty, status, created_at)
		VALUES (?, ?, ?, ?, 'RESERVED', ?)
		ON CONFLICT (order_id, product_id) DO NOTHING`,
		orderID, it.ProductID, it.BranchID, it.Qty, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE product_branches SET stock = stock - ?, updated_at = ?
		WHERE product_id = ? AND branch_id = ? AND is_available = 1 AND stock >= ?`,
		it.Qty, now, it.ProductID, it.BranchID, it.Qty)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		var available int
		if err := tx.GetContext(ctx, &available, `SELECT stock FROM product_branches WHERE product_id = ? AND branch_id = ?`,
			it.ProductID, it.BranchID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return orders.InsufficientStock(it.ProductID, it.Qty, available)
	}
	return tx.Commit()
}

func (r *InventoryRepo) Release(ctx context.Context, orderID string, it orders.StockRequest) (int, error) {
	now := nanos(r.now())
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var res struct {
		BranchID string `db:"branch_id"`
		Qty      int    `db:"qty"`
	}
	err = tx.GetContext(ctx, &res, `
		UPDATE reservations SET status = 'RELEASED', released_at = ?
		WHERE order_id = ? AND product_id = ? AND status = 'RESERVED'
		RETURNING branch_id, qty`, now, orderID, it.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	out, err := tx.ExecContext(ctx, `UPDATE product_branches SET stock = stock + ?, updated_at = ?
		WHERE product_id = ? AND branch_id = ?`, res.Qty, now, it.ProductID, res.BranchID)
	if err != nil {
		return 0, err
	}
	if n, _ := out.RowsAffected(); n != 1 {
		return 0, fmt.Errorf("inventory record %s@%s missing on release", it.ProductID, res.BranchID)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.Qty, nil
}

func (r *InventoryRepo) Assign(ctx context.Context, rec orders.InventoryRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO product_branches(product_id, branch_id, stock, is_available, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (product_id, branch_id) DO UPDATE SET is_available = excluded.is_available, updated_at = excluded.updated_at`,
		rec.ProductID, rec.BranchID, rec.Stock, rec.IsAvailable, nanos(r.now()))
	return err
}

func (r *InventoryRepo) Restock(ctx context.Context, productID, branchID string, qty int) (orders.InventoryRecord, error) {
	var row recordRow
	err := r.db.GetContext(ctx, &row, `
		UPDATE product_branches SET stock = stock + ?, updated_at = ?
		WHERE product_id = ? AND branch_id = ?
		RETURNING stock, is_available, updated_at`, qty, nanos(r.now()), productID, branchID)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.InventoryRecord{}, orders.NotFound("inventory record", productID+"@"+branchID)
	}
	if err != nil {
		return orders.InventoryRecord{}, err
	}
	return orders.InventoryRecord{ProductID: productID, BranchID: branchID, Stock: row.Stock, IsAvailable: row.IsAvailable, UpdatedAt: fromNanos(row.UpdatedAt)}, nil
}

// orderStillPending fails with InvalidTransition once the order has left pending,
// so no stock is taken for an order that can no longer release it.
func orderStillPending(ctx context.Context, tx *sqlx.Tx, orderID string) error {
	var status string
	err := tx.GetContext(ctx, &status, `SELECT status FROM orders WHERE id = ?`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.NotFound("order", orderID)
	}
	if err != nil {
		return err
	}
	if orders.Status(status) != orders.StatusPending {
		return orders.InvalidTransition(orders.Status(status), orders.StatusPending)
	}
	return nil
}
