package postgres

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CatalogRepo struct{ DB *pgxpool.Pool }

const branchProductColumns = `p.id, p.name, p.price_cents, p.image_url, p.created_at, p.updated_at,
	pb.branch_id, pb.stock, pb.is_available`

func (r *CatalogRepo) ListBranchProducts(ctx context.Context, branchID string) ([]orders.BranchProduct, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+branchProductColumns+`
		FROM product_branches pb JOIN products p ON p.id = pb.product_id
		WHERE pb.branch_id=$1 ORDER BY p.name`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.BranchProduct
	for rows.Next() {
		bp, err := scanBranchProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

func (r *CatalogRepo) ListBranches(ctx context.Context) ([]orders.Branch, error) {
	rows, err := r.DB.Query(ctx, `SELECT branch_id, COUNT(*), COUNT(*) FILTER (WHERE is_available AND stock > 0)
		FROM product_branches GROUP BY branch_id ORDER BY branch_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Branch
	for rows.Next() {
		var b orders.Branch
		if err := rows.Scan(&b.ID, &b.Products, &b.Orderable); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *CatalogRepo) GetBranchProduct(ctx context.Context, branchID, productID string) (orders.BranchProduct, error) {
	bp, err := scanBranchProduct(r.DB.QueryRow(ctx, `SELECT `+branchProductColumns+`
		FROM product_branches pb JOIN products p ON p.id = pb.product_id
		WHERE pb.branch_id=$1 AND pb.product_id=$2`, branchID, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.BranchProduct{}, orders.NotFound("product", productID)
	}
	return bp, err
}

func (r *CatalogRepo) UpsertProduct(ctx context.Context, p orders.Product) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO products(id, name, price_cents, image_url) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price_cents = EXCLUDED.price_cents,
			image_url = EXCLUDED.image_url, updated_at = now()
	`, p.ID, p.Name, int64(p.PriceCents), p.ImageURL)
	return err
}

func scanBranchProduct(row pgx.Row) (orders.BranchProduct, error) {
	var bp orders.BranchProduct
	var price int64
	err := row.Scan(&bp.ID, &bp.Name, &price, &bp.ImageURL, &bp.CreatedAt, &bp.UpdatedAt,
		&bp.BranchID, &bp.Stock, &bp.IsAvailable)
	bp.PriceCents = orders.Cents(price)
	return bp, err
}
