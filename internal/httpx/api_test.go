package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-food-orders/internal/identity"
	"github.com/ariefcatur/go-food-orders/internal/inventory"
	"github.com/ariefcatur/go-food-orders/internal/notify"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/redisx"
	"github.com/ariefcatur/go-food-orders/internal/retry"
	"github.com/ariefcatur/go-food-orders/internal/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type env struct {
	t      *testing.T
	router *chi.Mux
	api    *API
	ledger *inventory.Ledger
	redis  *miniredis.Miniredis
	tokens map[string]string
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	policy := retry.Policy{CallTimeout: time.Second, MaxElapsed: time.Second, MaxAttempts: 2, InitialInterval: time.Millisecond}
	catalog := sqlite.NewCatalogRepo(db)
	invRepo := sqlite.NewInventoryRepo(db)
	ledger := inventory.NewLedger(invRepo, policy, nil)
	hub := notify.NewHub()
	cache := redisx.NewStatusCache(rdb)
	wf := orders.NewWorkflow(identity.Provider{}, ledger, sqlite.NewOrderRepo(db),
		orders.WithPolicy(policy),
		orders.WithNotifier(notify.Fanout{cache, hub}),
	)

	for _, p := range []orders.Product{
		{ID: "p1", Name: "Empanada", PriceCents: 350},
		{ID: "p2", Name: "Arepa", PriceCents: 500},
	} {
		if err := catalog.UpsertProduct(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	for _, rec := range []orders.InventoryRecord{
		{ProductID: "p1", BranchID: "b1", Stock: 5, IsAvailable: true},
		{ProductID: "p2", BranchID: "b1", Stock: 1, IsAvailable: true},
	} {
		if err := invRepo.Assign(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	iss := identity.NewIssuer("test-secret", time.Hour)
	tokens := map[string]string{}
	for user, role := range map[string]string{"alice": identity.RoleCustomer, "bob": identity.RoleCustomer, "kitchen": identity.RoleStaff} {
		tok, err := iss.Sign(user, role)
		if err != nil {
			t.Fatal(err)
		}
		tokens[user] = tok
	}

	api := &API{
		Orders:  wf,
		Catalog: catalog,
		Stock:   ledger,
		Carts:   redisx.NewCartRepo(rdb),
		Idem:    redisx.NewIdempotency(rdb),
		Status:  cache,
		Hub:     hub,
		Auth:    iss,
		Log:     zap.NewNop(),
	}
	r := NewRouter(zap.NewNop())
	api.Register(r)
	return &env{t: t, router: r, api: api, ledger: ledger, redis: mr, tokens: tokens}
}

func (e *env) do(method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			e.t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) stock(productID string) int {
	e.t.Helper()
	rec, err := e.ledger.Record(context.Background(), productID, "b1")
	if err != nil {
		e.t.Fatal(err)
	}
	return rec.Stock
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeInto[struct {
		Error errorBody `json:"error"`
	}](t, rec).Error.Kind
}

func (e *env) placeOrder(user string, items ...orderItemReq) orderResp {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/orders", user, createOrderReq{BranchID: "b1", Items: items})
	if rec.Code != http.StatusCreated {
		e.t.Fatalf("create order: %d %s", rec.Code, rec.Body.String())
	}
	return decodeInto[orderResp](e.t, rec)
}

func TestCreateOrderLocksPrice(t *testing.T) {
	e := setup(t)
	o := e.placeOrder("alice", orderItemReq{ProductID: "p1", Qty: 2}, orderItemReq{ProductID: "p2", Qty: 1})

	if o.Status != "pending" || o.TotalCents != 1200 || o.Total != "12.00" || len(o.Items) != 2 {
		t.Fatalf("unexpected order: %+v", o)
	}
	if e.stock("p1") != 3 || e.stock("p2") != 0 {
		t.Fatalf("stock not reserved: p1=%d p2=%d", e.stock("p1"), e.stock("p2"))
	}

	rec := e.do(http.MethodPut, "/products/p1", "kitchen", map[string]any{"name": "Empanada", "price": "4.25"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reprice: %d %s", rec.Code, rec.Body.String())
	}

	got := decodeInto[orderResp](t, e.do(http.MethodGet, "/orders/"+o.ID, "alice", nil))
	var sum int64
	for _, it := range got.Items {
		sum += it.UnitPriceCents * int64(it.Qty)
		if it.ProductID == "p1" && it.UnitPrice != "3.50" {
			t.Fatalf("locked price changed: %+v", it)
		}
	}
	if sum != got.TotalCents {
		t.Fatalf("total %d does not match lines %d", got.TotalCents, sum)
	}
}

func TestCreateOrderErrors(t *testing.T) {
	e := setup(t)
	cases := []struct {
		name string
		user string
		body any
		code int
		kind string
	}{
		{"no token", "", createOrderReq{BranchID: "b1", Items: []orderItemReq{{ProductID: "p1", Qty: 1}}}, http.StatusUnauthorized, "unauthenticated"},
		{"empty", "alice", createOrderReq{BranchID: "b1"}, http.StatusBadRequest, "empty_order"},
		{"too many", "alice", createOrderReq{BranchID: "b1", Items: []orderItemReq{{ProductID: "p2", Qty: 2}}}, http.StatusConflict, "insufficient_stock"},
		{"zero qty", "alice", createOrderReq{BranchID: "b1", Items: []orderItemReq{{ProductID: "p1", Qty: 0}}}, http.StatusBadRequest, "invalid_input"},
		{"unknown product", "alice", createOrderReq{BranchID: "b1", Items: []orderItemReq{{ProductID: "zz", Qty: 1}}}, http.StatusConflict, "insufficient_stock"},
		{"not offered at branch", "alice", createOrderReq{BranchID: "b2", Items: []orderItemReq{{ProductID: "p1", Qty: 1}}}, http.StatusConflict, "insufficient_stock"},
		{"missing branch", "alice", map[string]any{"items": []any{}}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/orders", tc.user, tc.body)
			if rec.Code != tc.code || errKind(t, rec) != tc.kind {
				t.Fatalf("want %d/%s, got %d %s", tc.code, tc.kind, rec.Code, rec.Body.String())
			}
		})
	}
	if e.stock("p1") != 5 || e.stock("p2") != 1 {
		t.Fatal("failed requests must not touch stock")
	}
}

func TestCancelFlow(t *testing.T) {
	e := setup(t)
	o := e.placeOrder("alice", orderItemReq{ProductID: "p1", Qty: 5})
	if e.stock("p1") != 0 {
		t.Fatalf("want 0, got %d", e.stock("p1"))
	}

	if rec := e.do(http.MethodPost, "/orders/"+o.ID+"/cancel", "bob", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("other customer must not see the order: %d", rec.Code)
	}

	rec := e.do(http.MethodPost, "/orders/"+o.ID+"/cancel", "alice", nil)
	if rec.Code != http.StatusOK || decodeInto[orderResp](t, rec).Status != "cancelled" {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	if e.stock("p1") != 5 {
		t.Fatalf("stock not restored: %d", e.stock("p1"))
	}

	rec = e.do(http.MethodPost, "/orders/"+o.ID+"/cancel", "alice", nil)
	if rec.Code != http.StatusConflict || errKind(t, rec) != "invalid_state_transition" {
		t.Fatalf("second cancel: %d %s", rec.Code, rec.Body.String())
	}
	if e.stock("p1") != 5 {
		t.Fatalf("double release: %d", e.stock("p1"))
	}

	// already released; reconciling again is a no-op
	if rec := e.do(http.MethodPost, "/orders/"+o.ID+"/reconcile", "kitchen", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("reconcile: %d %s", rec.Code, rec.Body.String())
	}
	if e.stock("p1") != 5 {
		t.Fatalf("reconcile changed stock: %d", e.stock("p1"))
	}
}

func TestStaffStatusUpdates(t *testing.T) {
	e := setup(t)
	o := e.placeOrder("alice", orderItemReq{ProductID: "p1", Qty: 1})
	path := "/orders/" + o.ID + "/status"

	if rec := e.do(http.MethodPatch, path, "alice", updateStatusReq{Status: "cooking"}); rec.Code != http.StatusForbidden {
		t.Fatalf("customer changed status: %d", rec.Code)
	}

	steps := []struct {
		to   string
		code int
	}{
		{"ready", http.StatusConflict}, // skips cooking
		{"cooking", http.StatusOK},
		{"ready", http.StatusOK},
		{"cancelled", http.StatusConflict},
		{"shipped", http.StatusBadRequest},
		{"completed", http.StatusOK},
		{"cooking", http.StatusConflict},
	}
	for _, s := range steps {
		rec := e.do(http.MethodPatch, path, "kitchen", updateStatusReq{Status: s.to})
		if rec.Code != s.code {
			t.Fatalf("-> %s: want %d, got %d %s", s.to, s.code, rec.Code, rec.Body.String())
		}
	}

	st := decodeInto[statusResp](t, e.do(http.MethodGet, path, "alice", nil))
	if st.Status != "completed" {
		t.Fatalf("status endpoint: %+v", st)
	}
	if e.stock("p1") != 4 {
		t.Fatalf("completed order keeps its stock, got %d", e.stock("p1"))
	}
}

func TestCartCheckout(t *testing.T) {
	e := setup(t)
	add := func(productID string, qty int) cartResp {
		rec := e.do(http.MethodPost, "/cart/items", "alice", addCartItemReq{BranchID: "b1", ProductID: productID, Qty: qty})
		if rec.Code != http.StatusOK {
			t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
		}
		return decodeInto[cartResp](t, rec)
	}
	add("p1", 1)
	c := add("p1", 2)
	if len(c.Items) != 1 || c.Items[0].Qty != 3 || c.Total != "10.50" || c.ItemCount != 3 {
		t.Fatalf("merge: %+v", c)
	}
	add("p2", 1)
	c = decodeInto[cartResp](t, e.do(http.MethodPatch, "/cart/items/p2", "alice", updateCartItemReq{Qty: 0}))
	if len(c.Items) != 1 {
		t.Fatalf("qty 0 must remove: %+v", c)
	}

	rec := e.do(http.MethodPost, "/cart/checkout", "alice", checkoutReq{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d %s", rec.Code, rec.Body.String())
	}
	o := decodeInto[orderResp](t, rec)
	if o.TotalCents != 1050 || e.stock("p1") != 2 {
		t.Fatalf("order %+v stock %d", o, e.stock("p1"))
	}
	c = decodeInto[cartResp](t, e.do(http.MethodGet, "/cart", "alice", nil))
	if len(c.Items) != 0 {
		t.Fatalf("cart not cleared: %+v", c)
	}

	rec = e.do(http.MethodPost, "/cart/checkout", "alice", checkoutReq{})
	if rec.Code != http.StatusBadRequest || errKind(t, rec) != "empty_order" {
		t.Fatalf("empty checkout: %d %s", rec.Code, rec.Body.String())
	}

	hist := decodeInto[[]orderResp](t, e.do(http.MethodGet, "/orders?limit=10", "alice", nil))
	if len(hist) != 1 || hist[0].ID != o.ID {
		t.Fatalf("history: %+v", hist)
	}
	if hist := decodeInto[[]orderResp](t, e.do(http.MethodGet, "/orders", "bob", nil)); len(hist) != 0 {
		t.Fatalf("bob sees alice's orders: %+v", hist)
	}
}

func TestIdempotentCreate(t *testing.T) {
	e := setup(t)
	body := createOrderReq{BranchID: "b1", Items: []orderItemReq{{ProductID: "p1", Qty: 1}}}

	first := e.do(http.MethodPost, "/orders", "alice", body, "Idempotency-Key", "k-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body.String())
	}
	second := e.do(http.MethodPost, "/orders", "alice", body, "Idempotency-Key", "k-1")
	if second.Code != http.StatusOK || second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay: %d %s", second.Code, second.Body.String())
	}
	if decodeInto[orderResp](t, first).ID != decodeInto[orderResp](t, second).ID {
		t.Fatal("replay returned a different order")
	}
	if e.stock("p1") != 4 {
		t.Fatalf("replay reserved stock again: %d", e.stock("p1"))
	}

	// a failed attempt frees the key
	bad := createOrderReq{BranchID: "b1", Items: []orderItemReq{{ProductID: "p2", Qty: 9}}}
	if rec := e.do(http.MethodPost, "/orders", "alice", bad, "Idempotency-Key", "k-2"); rec.Code != http.StatusConflict {
		t.Fatalf("bad: %d", rec.Code)
	}
	ok := createOrderReq{BranchID: "b1", Items: []orderItemReq{{ProductID: "p2", Qty: 1}}}
	if rec := e.do(http.MethodPost, "/orders", "alice", ok, "Idempotency-Key", "k-2"); rec.Code != http.StatusCreated {
		t.Fatalf("retry after failure: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCatalogAndRestock(t *testing.T) {
	e := setup(t)

	list := decodeInto[[]productResp](t, e.do(http.MethodGet, "/branches/b1/products", "alice", nil))
	if len(list) != 2 || list[0].Name != "Arepa" || list[0].Price != "5.00" {
		t.Fatalf("catalog: %+v", list)
	}

	if rec := e.do(http.MethodPost, "/branches/b1/products/p2/restock", "alice", restockReq{Qty: 3}); rec.Code != http.StatusForbidden {
		t.Fatalf("customer restocked: %d", rec.Code)
	}
	rec := e.do(http.MethodPost, "/branches/b1/products/p2/restock", "kitchen", restockReq{Qty: 3})
	if rec.Code != http.StatusOK || e.stock("p2") != 4 {
		t.Fatalf("restock: %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(http.MethodPut, "/branches/b2/products/p1", "kitchen", assignProductReq{Stock: 7, IsAvailable: true})
	if rec.Code != http.StatusOK || decodeInto[productResp](t, rec).Stock != 7 {
		t.Fatalf("assign: %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(http.MethodPut, "/products/p3", "kitchen", map[string]any{"name": "Tamal", "price": "1.005"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("sub-cent price accepted: %d", rec.Code)
	}
}

func TestListBranches(t *testing.T) {
	e := setup(t)
	if rec := e.do(http.MethodPut, "/branches/b2/products/p1", "kitchen", assignProductReq{Stock: 0, IsAvailable: true}); rec.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", rec.Code, rec.Body.String())
	}

	rec := e.do(http.MethodGet, "/branches", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	got := decodeInto[[]branchResp](t, rec)
	want := []branchResp{{ID: "b1", Products: 2, Orderable: 2}, {ID: "b2", Products: 1, Orderable: 0}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("branches %+v", got)
	}
}

func TestOrderStatusSurvivesCacheOutage(t *testing.T) {
	e := setup(t)
	o := e.placeOrder("alice", orderItemReq{ProductID: "p1", Qty: 1})

	core, logs := observer.New(zap.WarnLevel)
	e.api.Log = zap.New(core)
	e.redis.Close()

	rec := e.do(http.MethodGet, "/orders/"+o.ID+"/status", "alice", nil)
	if rec.Code != http.StatusOK || decodeInto[statusResp](t, rec).Status != "pending" {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	if logs.FilterMessage("status cache warm").Len() != 1 {
		t.Fatalf("cache warm failure not logged: %+v", logs.All())
	}
}

func TestOrderEventsStream(t *testing.T) {
	e := setup(t)
	o := e.placeOrder("alice", orderItemReq{ProductID: "p1", Qty: 1})

	req := httptest.NewRequest(http.MethodGet, "/orders/"+o.ID+"/events?access_token="+e.tokens["alice"], nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.router.ServeHTTP(rec, req)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for e.api.Hub.Subscribers(o.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := e.api.Orders.UpdateStatus(context.Background(), o.ID, orders.StatusCooking); err != nil {
		t.Fatal(err)
	}
	if _, err := e.api.Orders.CancelOrder(context.Background(), o.ID); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after a terminal status")
	}

	body := rec.Body.String()
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type %q", rec.Header().Get("Content-Type"))
	}
	iPending := strings.Index(body, `"status":"pending"`)
	iCooking := strings.Index(body, `"status":"cooking"`)
	iCancelled := strings.Index(body, `"status":"cancelled"`)
	if iPending < 0 || iCooking < iPending || iCancelled < iCooking {
		t.Fatalf("unexpected stream:\n%s", body)
	}
	if e.api.Hub.Subscribers(o.ID) != 0 {
		t.Fatal("subscription leaked")
	}
}
