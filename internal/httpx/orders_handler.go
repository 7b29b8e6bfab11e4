package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/identity"
	"github.com/ariefcatur/go-food-orders/internal/inventory"
	"github.com/ariefcatur/go-food-orders/internal/notify"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Catalog is the read side of branches and their products plus product upserts.
type Catalog interface {
	ListBranches(ctx context.Context) ([]orders.Branch, error)
	ListBranchProducts(ctx context.Context, branchID string) ([]orders.BranchProduct, error)
	GetBranchProduct(ctx context.Context, branchID, productID string) (orders.BranchProduct, error)
	UpsertProduct(ctx context.Context, p orders.Product) error
}

type API struct {
	Orders  *orders.Workflow
	Catalog Catalog
	Stock   *inventory.Ledger
	Carts   *redisx.CartRepo
	Idem    *redisx.Idempotency // optional
	Status  *redisx.StatusCache // optional
	Hub     *notify.Hub
	Auth    *identity.Issuer
	Log     *zap.Logger

	// RequestTimeout bounds every non-streaming request.
	RequestTimeout time.Duration
}

func (a *API) Register(r chi.Router) {
	if a.Log == nil {
		a.Log = zap.NewNop()
	}
	timeout := a.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	r.Group(func(r chi.Router) {
		r.Use(a.Auth.Middleware)

		// SSE stays open; no request timeout
		r.Get("/orders/{id}/events", a.orderEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			r.Post("/orders", a.createOrder)
			r.Get("/orders", a.orderHistory)
			r.Get("/orders/{id}", a.getOrder)
			r.Get("/orders/{id}/status", a.getOrderStatus)
			r.Post("/orders/{id}/cancel", a.cancelOrder)

			r.Get("/branches", a.listBranches)
			r.Get("/branches/{branchID}/products", a.listBranchProducts)

			r.Get("/cart", a.getCart)
			r.Delete("/cart", a.clearCart)
			r.Post("/cart/items", a.addCartItem)
			r.Patch("/cart/items/{productID}", a.updateCartItem)
			r.Delete("/cart/items/{productID}", a.removeCartItem)
			r.Post("/cart/checkout", a.checkout)

			r.Group(func(r chi.Router) {
				r.Use(identity.RequireRole(identity.RoleStaff))
				r.Patch("/orders/{id}/status", a.updateStatus)
				r.Post("/orders/{id}/reconcile", a.reconcile)
				r.Put("/products/{productID}", a.upsertProduct)
				r.Put("/branches/{branchID}/products/{productID}", a.assignProduct)
				r.Post("/branches/{branchID}/products/{productID}/restock", a.restock)
			})
		})
	})
}

type orderItemReq struct {
	ProductID string `json:"product_id" validate:"required"`
	Qty       int    `json:"qty" validate:"gt=0"`
}

type createOrderReq struct {
	BranchID     string         `json:"branch_id" validate:"required"`
	Items        []orderItemReq `json:"items" validate:"dive"`
	DeliveryTime *time.Time     `json:"delivery_time"`
}

// createOrder prices each line from the catalog at request time; that price is then locked on the order.
func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := decode(r, &req); err != nil {
		writeError(w, a.Log, err)
		return
	}
	items := make([]orders.CartItem, 0, len(req.Items))
	for _, it := range req.Items {
		p, err := a.Catalog.GetBranchProduct(r.Context(), req.BranchID, it.ProductID)
		if errors.Is(err, orders.ErrNotFound) {
			// not stocked at this branch counts as zero stock
			err = orders.InsufficientStock(it.ProductID, it.Qty, 0)
		}
		if err != nil {
			writeError(w, a.Log, err)
			return
		}
		items = append(items, snapshot(p, it.Qty))
	}
	a.placeOrder(w, r, req.BranchID, items, req.DeliveryTime, nil)
}

type checkoutReq struct {
	DeliveryTime *time.Time `json:"delivery_time"`
}

// checkout orders the user's cart at the prices captured when items were added, then empties the cart.
func (a *API) checkout(w http.ResponseWriter, r *http.Request) {
	u, _ := identity.FromContext(r.Context())
	var req checkoutReq
	if err := decode(r, &req); err != nil {
		writeError(w, a.Log, err)
		return
	}
	cart, err := a.Carts.Get(r.Context(), u.ID)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	var branchID string
	if len(cart.Items) > 0 {
		branchID = cart.Items[0].BranchID
	}
	a.placeOrder(w, r, branchID, cart.Items, req.DeliveryTime, func(o orders.Order) {
		if err := a.Carts.Clear(context.WithoutCancel(r.Context()), u.ID); err != nil {
			a.Log.Warn("clear cart after checkout", zap.String("user_id", u.ID), zap.String("order_id", o.ID), zap.Error(err))
		}
	})
}

func (a *API) placeOrder(w http.ResponseWriter, r *http.Request, branchID string, items []orders.CartItem, delivery *time.Time, after func(orders.Order)) {
	ctx := r.Context()
	u, _ := identity.FromContext(ctx)

	key := r.Header.Get("Idempotency-Key")
	claimed := false
	if key != "" && a.Idem != nil {
		id, done, err := a.Idem.Begin(ctx, u.ID, key)
		switch {
		case errors.Is(err, redisx.ErrRequestInFlight):
			writeError(w, a.Log, err)
			return
		case err != nil:
			// Redis down: lanjut tanpa idempotency, DB tetap jadi kebenaran
			a.Log.Warn("idempotency unavailable", zap.Error(err))
		case done:
			o, err := a.Orders.GetOrder(ctx, id)
			if err != nil {
				writeError(w, a.Log, err)
				return
			}
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, http.StatusOK, toOrderResp(o))
			return
		default:
			claimed = true
		}
	}

	o, err := a.Orders.CreateOrder(ctx, branchID, items, delivery)
	if err != nil {
		if claimed {
			if aerr := a.Idem.Abort(context.WithoutCancel(ctx), u.ID, key); aerr != nil {
				a.Log.Warn("release idempotency key", zap.Error(aerr))
			}
		}
		writeError(w, a.Log, err)
		return
	}
	if claimed {
		if err := a.Idem.Complete(context.WithoutCancel(ctx), u.ID, key, o.ID); err != nil {
			a.Log.Warn("store idempotency key", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	if after != nil {
		after(o)
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o))
}

func (a *API) orderHistory(w http.ResponseWriter, r *http.Request) {
	u, _ := identity.FromContext(r.Context())
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	list, err := a.Orders.OrderHistory(r.Context(), u.ID, limit, offset)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	out := make([]orderResp, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderResp(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.ownedOrder(r)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

type statusResp struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// getOrderStatus serves from the Redis cache and falls back to the store.
func (a *API) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	u, _ := identity.FromContext(ctx)

	// 1) coba cache
	if a.Status != nil {
		cs, ok, err := a.Status.Get(ctx, id)
		if err != nil {
			a.Log.Warn("status cache read", zap.String("order_id", id), zap.Error(err))
		}
		if ok && (cs.UserID == u.ID || u.Role == identity.RoleStaff) {
			writeJSON(w, http.StatusOK, statusResp{OrderID: id, Status: string(cs.Status), UpdatedAt: cs.UpdatedAt})
			return
		}
	}

	// 2) fallback DB
	o, err := a.ownedOrder(r)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	if a.Status != nil {
		err := a.Status.Publish(ctx, orders.StatusChange{OrderID: o.ID, UserID: o.UserID, BranchID: o.BranchID, To: o.Status, UpdatedAt: o.UpdatedAt})
		if err != nil {
			a.Log.Warn("status cache warm", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: o.ID, Status: string(o.Status), UpdatedAt: o.UpdatedAt})
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.ownedOrder(r)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	updated, err := a.Orders.CancelOrder(r.Context(), o.ID)
	a.writeTransition(w, updated, err)
}

type updateStatusReq struct {
	Status string `json:"status" validate:"required"`
}

func (a *API) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if err := decode(r, &req); err != nil {
		writeError(w, a.Log, err)
		return
	}
	updated, err := a.Orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), orders.Status(req.Status))
	a.writeTransition(w, updated, err)
}

// writeTransition reports a partial release together with the cancelled order.
func (a *API) writeTransition(w http.ResponseWriter, o orders.Order, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toOrderResp(o))
	case errors.Is(err, orders.ErrPartialRelease) && o.ID != "":
		writeJSON(w, http.StatusAccepted, map[string]any{"order": toOrderResp(o), "error": errBody(err)})
	default:
		writeError(w, a.Log, err)
	}
}

func (a *API) reconcile(w http.ResponseWriter, r *http.Request) {
	if err := a.Orders.RetryRelease(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, a.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedOrder loads {id}; customers only see their own orders.
func (a *API) ownedOrder(r *http.Request) (orders.Order, error) {
	id := chi.URLParam(r, "id")
	o, err := a.Orders.GetOrder(r.Context(), id)
	if err != nil {
		return orders.Order{}, err
	}
	u, _ := identity.FromContext(r.Context())
	if o.UserID != u.ID && u.Role != identity.RoleStaff {
		return orders.Order{}, orders.NotFound("order", id)
	}
	return o, nil
}

func snapshot(p orders.BranchProduct, qty int) orders.CartItem {
	return orders.CartItem{
		ProductID:  p.ID,
		BranchID:   p.BranchID,
		Name:       p.Name,
		PriceCents: p.PriceCents,
		ImageURL:   p.ImageURL,
		Qty:        qty,
	}
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, orders.InvalidInput("%s must be an integer", name)
	}
	return n, nil
}
