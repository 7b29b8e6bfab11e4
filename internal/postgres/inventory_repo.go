package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InventoryRepo holds the stock primitives behind the ledger.
// Every mutation is a single conditional statement; nothing reads stock and writes it back.
type InventoryRepo struct{ DB *pgxpool.Pool }

func (r *InventoryRepo) Record(ctx context.Context, productID, branchID string) (orders.InventoryRecord, error) {
	rec := orders.InventoryRecord{ProductID: productID, BranchID: branchID}
	err := r.DB.QueryRow(ctx, `SELECT stock, is_available, updated_at FROM product_branches
		WHERE product_id=$1 AND branch_id=$2`, productID, branchID).Scan(&rec.Stock, &rec.IsAvailable, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.InventoryRecord{}, orders.NotFound("inventory record", productID+"@"+branchID)
	}
	return rec, err
}

// Reserve: catat reservation (idempotent) -> kurangi stok hanya jika cukup.
// Jika stok kurang, reservation ikut di-rollback.
// Order yang sudah tidak pending tidak boleh mengambil stok.
func (r *InventoryRepo) Reserve(ctx context.Context, orderID string, it orders.StockRequest) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// FOR SHARE blocks a concurrent status change until this reservation commits
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR SHARE`, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.NotFound("order", orderID)
	}
	if err != nil {
		return err
	}
	if orders.Status(status) != orders.StatusPending {
		return orders.InvalidTransition(orders.Status(status), orders.StatusPending)
	}

	ct, err := tx.Exec(ctx, `
		INSERT INTO reservations(order_id, product_id, branch_id, qty, status)
		VALUES ($1, $2, $3, $4, 'RESERVED')
		ON CONFLICT (order_id, product_id) DO NOTHING
	`, orderID, it.ProductID, it.BranchID, it.Qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// sudah pernah di-reserve
		return tx.Commit(ctx)
	}

	ct, err = tx.Exec(ctx, `
		UPDATE product_branches SET stock = stock - $3, updated_at = now()
		WHERE product_id=$1 AND branch_id=$2 AND is_available AND stock >= $3
	`, it.ProductID, it.BranchID, it.Qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		var available int
		if err := tx.QueryRow(ctx, `SELECT stock FROM product_branches WHERE product_id=$1 AND branch_id=$2`,
			it.ProductID, it.BranchID).Scan(&available); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return orders.InsufficientStock(it.ProductID, it.Qty, available)
	}
	return tx.Commit(ctx)
}

// Release returns the quantity recorded in the reservation, once.
func (r *InventoryRepo) Release(ctx context.Context, orderID string, it orders.StockRequest) (int, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var branchID string
	var qty int
	err = tx.QueryRow(ctx, `
		UPDATE reservations SET status='RELEASED', released_at=now()
		WHERE order_id=$1 AND product_id=$2 AND status='RESERVED'
		RETURNING branch_id, qty
	`, orderID, it.ProductID).Scan(&branchID, &qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	ct, err := tx.Exec(ctx, `UPDATE product_branches SET stock = stock + $3, updated_at = now()
		WHERE product_id=$1 AND branch_id=$2`, it.ProductID, branchID, qty)
	if err != nil {
		return 0, err
	}
	if ct.RowsAffected() != 1 {
		return 0, fmt.Errorf("inventory record %s@%s missing on release", it.ProductID, branchID)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return qty, nil
}

// Assign creates the (product, branch) record. For an existing record only the
// availability flag changes; stock is never overwritten.
func (r *InventoryRepo) Assign(ctx context.Context, rec orders.InventoryRecord) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO product_branches(product_id, branch_id, stock, is_available)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, branch_id) DO UPDATE SET is_available = EXCLUDED.is_available, updated_at = now()
	`, rec.ProductID, rec.BranchID, rec.Stock, rec.IsAvailable)
	return err
}

func (r *InventoryRepo) Restock(ctx context.Context, productID, branchID string, qty int) (orders.InventoryRecord, error) {
	rec := orders.InventoryRecord{ProductID: productID, BranchID: branchID}
	err := r.DB.QueryRow(ctx, `
		UPDATE product_branches SET stock = stock + $3, updated_at = now()
		WHERE product_id=$1 AND branch_id=$2
		RETURNING stock, is_available, updated_at
	`, productID, branchID, qty).Scan(&rec.Stock, &rec.IsAvailable, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.InventoryRecord{}, orders.NotFound("inventory record", productID+"@"+branchID)
	}
	return rec, err
}
