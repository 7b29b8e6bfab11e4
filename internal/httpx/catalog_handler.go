package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

func (a *API) listBranches(w http.ResponseWriter, r *http.Request) {
	list, err := a.Catalog.ListBranches(r.Context())
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	out := make([]branchResp, 0, len(list))
	for _, b := range list {
		out = append(out, branchResp{ID: b.ID, Products: b.Products, Orderable: b.Orderable})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) listBranchProducts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Catalog.ListBranchProducts(r.Context(), chi.URLParam(r, "branchID"))
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	out := make([]productResp, 0, len(list))
	for _, p := range list {
		out = append(out, toProductResp(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type upsertProductReq struct {
	Name     string          `json:"name" validate:"required"`
	Price    decimal.Decimal `json:"price"`
	ImageURL string          `json:"image_url" validate:"omitempty,url"`
}

func (a *API) upsertProduct(w http.ResponseWriter, r *http.Request) {
	var req upsertProductReq
	if err := decode(r, &req); err != nil {
		writeError(w, a.Log, err)
		return
	}
	price, err := orders.ParseAmount(req.Price)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	p := orders.Product{ID: chi.URLParam(r, "productID"), Name: req.Name, PriceCents: price, ImageURL: req.ImageURL}
	if err := a.Catalog.UpsertProduct(r.Context(), p); err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": p.ID, "name": p.Name, "price": p.PriceCents.String(), "price_cents": int64(p.PriceCents)})
}

type assignProductReq struct {
	Stock       int  `json:"stock" validate:"gte=0"`
	IsAvailable bool `json:"is_available"`
}

// assignProduct offers a product at a branch. Stock only applies when the record is new.
func (a *API) assignProduct(w http.ResponseWriter, r *http.Request) {
	var req assignProductReq
	if err := decode(r, &req); err != nil {
		writeError(w, a.Log, err)
		return
	}
	branchID, productID := chi.URLParam(r, "branchID"), chi.URLParam(r, "productID")
	err := a.Stock.Assign(r.Context(), orders.InventoryRecord{
		ProductID: productID, BranchID: branchID, Stock: req.Stock, IsAvailable: req.IsAvailable,
	})
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	p, err := a.Catalog.GetBranchProduct(r.Context(), branchID, productID)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResp(p))
}

type restockReq struct {
	Qty int `json:"qty" validate:"gt=0"`
}

func (a *API) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if err := decode(r, &req); err != nil {
		writeError(w, a.Log, err)
		return
	}
	rec, err := a.Stock.Restock(r.Context(), chi.URLParam(r, "productID"), chi.URLParam(r, "branchID"), req.Qty)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": rec.ProductID, "branch_id": rec.BranchID, "stock": rec.Stock, "is_available": rec.IsAvailable,
	})
}
