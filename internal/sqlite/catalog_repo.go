package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/jmoiron/sqlx"
)

type CatalogRepo struct{ db *sqlx.DB }

func NewCatalogRepo(db *sqlx.DB) *CatalogRepo { return &CatalogRepo{db: db} }

type branchProductRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	PriceCents  int64  `db:"price_cents"`
	ImageURL    string `db:"image_url"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
	BranchID    string `db:"branch_id"`
	Stock       int    `db:"stock"`
	IsAvailable bool   `db:"is_available"`
}

func (r branchProductRow) decode() orders.BranchProduct {
	return orders.BranchProduct{
		Product: orders.Product{
			ID:         r.ID,
			Name:       r.Name,
			PriceCents: orders.Cents(r.PriceCents),
			ImageURL:   r.ImageURL,
			CreatedAt:  fromNanos(r.CreatedAt),
			UpdatedAt:  fromNanos(r.UpdatedAt),
		},
		BranchID:    r.BranchID,
		Stock:       r.Stock,
		IsAvailable: r.IsAvailable,
	}
}

const branchProductQuery = `SELECT p.id, p.name, p.price_cents, p.image_url, p.created_at, p.updated_at,
	pb.branch_id, pb.stock, pb.is_available
	FROM product_branches pb JOIN products p ON p.id = pb.product_id`

func (r *CatalogRepo) ListBranchProducts(ctx context.Context, branchID string) ([]orders.BranchProduct, error) {
	var rows []branchProductRow
	if err := r.db.SelectContext(ctx, &rows, branchProductQuery+` WHERE pb.branch_id = ? ORDER BY p.name`, branchID); err != nil {
		return nil, err
	}
	out := make([]orders.BranchProduct, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.decode())
	}
	return out, nil
}

// ListBranches returns every branch with at least one product, ordered by id.
func (r *CatalogRepo) ListBranches(ctx context.Context) ([]orders.Branch, error) {
	var rows []struct {
		ID        string `db:"branch_id"`
		Products  int    `db:"products"`
		Orderable int    `db:"orderable"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT branch_id, COUNT(*) AS products,
			SUM(CASE WHEN is_available = 1 AND stock > 0 THEN 1 ELSE 0 END) AS orderable
		FROM product_branches GROUP BY branch_id ORDER BY branch_id`)
	if err != nil {
		return nil, err
	}
	out := make([]orders.Branch, 0, len(rows))
	for _, row := range rows {
		out = append(out, orders.Branch{ID: row.ID, Products: row.Products, Orderable: row.Orderable})
	}
	return out, nil
}

func (r *CatalogRepo) GetBranchProduct(ctx context.Context, branchID, productID string) (orders.BranchProduct, error) {
	var row branchProductRow
	err := r.db.GetContext(ctx, &row, branchProductQuery+` WHERE pb.branch_id = ? AND pb.product_id = ?`, branchID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.BranchProduct{}, orders.NotFound("product", productID)
	}
	if err != nil {
		return orders.BranchProduct{}, err
	}
	return row.decode(), nil
}

func (r *CatalogRepo) UpsertProduct(ctx context.Context, p orders.Product) error {
	now := nanos(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products(id, name, price_cents, image_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, price_cents = excluded.price_cents,
			image_url = excluded.image_url, updated_at = excluded.updated_at`,
		p.ID, p.Name, int64(p.PriceCents), p.ImageURL, now, now)
	return err
}
