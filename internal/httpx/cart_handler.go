package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-food-orders/internal/identity"
	"github.com/go-chi/chi/v5"
)

type addCartItemReq struct {
	BranchID  string `json:"branch_id" validate:"required"`
	ProductID string `json:"product_id" validate:"required"`
	Qty       int    `json:"qty" validate:"gt=0"`
}

type updateCartItemReq struct {
	Qty int `json:"qty" validate:"gte=0"`
}

func (a *API) getCart(w http.ResponseWriter, r *http.Request) {
	u, _ := identity.FromContext(r.Context())
	c, err := a.Carts.Get(r.Context(), u.ID)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

func (a *API) clearCart(w http.ResponseWriter, r *http.Request) {
	u, _ := identity.FromContext(r.Context())
	if err := a.Carts.Clear(r.Context(), u.ID); err != nil {
		writeError(w, a.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// addCartItem snapshots name, price and image from the catalog into the cart.
func (a *API) addCartItem(w http.ResponseWriter, r *http.Request) {
	u, _ := identity.FromContext(r.Context())
	var req addCartItemReq
	if err := decode(r, &req); err != nil {
		writeError(w, a.Log, err)
		return
	}
	p, err := a.Catalog.GetBranchProduct(r.Context(), req.BranchID, req.ProductID)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	c, err := a.Carts.Add(r.Context(), u.ID, snapshot(p, req.Qty))
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

func (a *API) updateCartItem(w http.ResponseWriter, r *http.Request) {
	u, _ := identity.FromContext(r.Context())
	var req updateCartItemReq
	if err := decode(r, &req); err != nil {
		writeError(w, a.Log, err)
		return
	}
	c, err := a.Carts.UpdateQuantity(r.Context(), u.ID, chi.URLParam(r, "productID"), req.Qty)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}

func (a *API) removeCartItem(w http.ResponseWriter, r *http.Request) {
	u, _ := identity.FromContext(r.Context())
	c, err := a.Carts.Remove(r.Context(), u.ID, chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResp(c))
}
