package inventory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/inventory"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/retry"
	"github.com/ariefcatur/go-food-orders/internal/sqlite"
)

var fastPolicy = retry.Policy{
	CallTimeout:     time.Second,
	MaxElapsed:      2 * time.Second,
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
}

type fixture struct {
	store  *sqlite.InventoryRepo
	orders *sqlite.OrderRepo
}

func setup(t *testing.T, stock map[string]int) fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cat := sqlite.NewCatalogRepo(db)
	inv := sqlite.NewInventoryRepo(db)
	for id, n := range stock {
		if err := cat.UpsertProduct(ctx, orders.Product{ID: id, Name: id, PriceCents: 100}); err != nil {
			t.Fatal(err)
		}
		if err := inv.Assign(ctx, orders.InventoryRecord{ProductID: id, BranchID: "b1", Stock: n, IsAvailable: true}); err != nil {
			t.Fatal(err)
		}
	}
	return fixture{store: inv, orders: sqlite.NewOrderRepo(db)}
}

// seedOrder inserts the order header the reservations point at.
func (f fixture) seedOrder(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	err := f.orders.CreateOrder(context.Background(), orders.Order{
		ID: id, UserID: "u1", BranchID: "b1", Status: orders.StatusPending, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	rec, err := f.store.Record(context.Background(), productID, "b1")
	if err != nil {
		t.Fatal(err)
	}
	return rec.Stock
}

func req(productID string, qty int) orders.StockRequest {
	return orders.StockRequest{ProductID: productID, BranchID: "b1", Qty: qty}
}

func TestCheckAvailability(t *testing.T) {
	f := setup(t, map[string]int{"p1": 3, "p2": 1})
	l := inventory.NewLedger(f.store, fastPolicy, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		items []orders.StockRequest
		want  bool
	}{
		{"enough", []orders.StockRequest{req("p1", 3), req("p2", 1)}, true},
		{"one short", []orders.StockRequest{req("p1", 1), req("p2", 2)}, false},
		{"unknown product", []orders.StockRequest{req("nope", 1)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := l.CheckAvailability(ctx, tc.items)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("want %v, got %v", tc.want, got)
			}
		})
	}

	if err := f.store.Assign(ctx, orders.InventoryRecord{ProductID: "p1", BranchID: "b1", IsAvailable: false}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := l.CheckAvailability(ctx, []orders.StockRequest{req("p1", 1)}); ok {
		t.Fatal("unavailable product must not be reported as available")
	}

	if _, err := l.CheckAvailability(ctx, []orders.StockRequest{req("p1", 0)}); !errors.Is(err, orders.ErrInvalidInput) {
		t.Fatalf("want invalid input for zero qty, got %v", err)
	}
}

func TestReserveStopsAtFirstFailure(t *testing.T) {
	f := setup(t, map[string]int{"p1": 5, "p2": 1, "p3": 5})
	f.seedOrder(t, "o1")
	l := inventory.NewLedger(f.store, fastPolicy, nil)
	ctx := context.Background()

	items := []orders.StockRequest{req("p1", 2), req("p2", 2), req("p3", 1)}
	err := l.Reserve(ctx, "o1", items)
	var oe *orders.Error
	if !errors.As(err, &oe) || oe.Kind != orders.KindInsufficientStock || oe.ProductID != "p2" {
		t.Fatalf("want insufficient stock for p2, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 3 {
		t.Fatalf("p1 should be reserved, stock=%d", got)
	}
	if got := f.stock(t, "p3"); got != 5 {
		t.Fatalf("p3 must not be touched, stock=%d", got)
	}

	// compensating release restores only what was reserved
	if err := l.Release(ctx, "o1", items); err != nil {
		t.Fatal(err)
	}
	for id, want := range map[string]int{"p1": 5, "p2": 1, "p3": 5} {
		if got := f.stock(t, id); got != want {
			t.Fatalf("%s: want %d, got %d", id, want, got)
		}
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := setup(t, map[string]int{"p1": 4})
	f.seedOrder(t, "o1")
	l := inventory.NewLedger(f.store, fastPolicy, nil)
	ctx := context.Background()

	items := []orders.StockRequest{req("p1", 3)}
	if err := l.Reserve(ctx, "o1", items); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := l.Release(ctx, "o1", items); err != nil {
			t.Fatalf("release #%d: %v", i, err)
		}
	}
	if got := f.stock(t, "p1"); got != 4 {
		t.Fatalf("want 4, got %d", got)
	}
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	f := setup(t, map[string]int{"p1": 1})
	const n = 8
	for i := 0; i < n; i++ {
		f.seedOrder(t, orderID(i))
	}
	l := inventory.NewLedger(f.store, fastPolicy, nil)

	var wg sync.WaitGroup
	var won, lost atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Reserve(context.Background(), orderID(i), []orders.StockRequest{req("p1", 1)})
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, orders.ErrInsufficientStock):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if won.Load() != 1 || lost.Load() != n-1 {
		t.Fatalf("want exactly one winner, got won=%d lost=%d", won.Load(), lost.Load())
	}
	if got := f.stock(t, "p1"); got != 0 {
		t.Fatalf("want 0, got %d", got)
	}
}

// flakyStore fails Release for the listed products.
type flakyStore struct {
	inventory.Store
	failRelease map[string]bool
	calls       atomic.Int32
}

func (s *flakyStore) Release(ctx context.Context, orderID string, it orders.StockRequest) (int, error) {
	s.calls.Add(1)
	if s.failRelease[it.ProductID] {
		return 0, errors.New("connection reset")
	}
	return s.Store.Release(ctx, orderID, it)
}

func TestReleaseReportsFailedItems(t *testing.T) {
	f := setup(t, map[string]int{"p1": 5, "p2": 5})
	f.seedOrder(t, "o1")
	ctx := context.Background()
	items := []orders.StockRequest{req("p1", 2), req("p2", 3)}
	if err := inventory.NewLedger(f.store, fastPolicy, nil).Reserve(ctx, "o1", items); err != nil {
		t.Fatal(err)
	}

	flaky := &flakyStore{Store: f.store, failRelease: map[string]bool{"p2": true}}
	l := inventory.NewLedger(flaky, fastPolicy, nil)
	err := l.Release(ctx, "o1", items)

	var oe *orders.Error
	if !errors.As(err, &oe) || oe.Kind != orders.KindPartialRelease {
		t.Fatalf("want partial release, got %v", err)
	}
	if len(oe.Failed) != 1 || oe.Failed[0].ProductID != "p2" {
		t.Fatalf("unexpected failed items: %+v", oe.Failed)
	}
	// p1 once, p2 retried up to MaxAttempts
	if got := flaky.calls.Load(); got != 1+int32(fastPolicy.MaxAttempts) {
		t.Fatalf("unexpected release calls: %d", got)
	}
	if got := f.stock(t, "p1"); got != 5 {
		t.Fatalf("p1 should be back to 5, got %d", got)
	}
	if got := f.stock(t, "p2"); got != 2 {
		t.Fatalf("p2 should still be reserved, got %d", got)
	}

	// a later retry against the healthy store finishes the job
	if err := inventory.NewLedger(f.store, fastPolicy, nil).Release(ctx, "o1", oe.Failed); err != nil {
		t.Fatal(err)
	}
	if got := f.stock(t, "p2"); got != 5 {
		t.Fatalf("p2 should be back to 5, got %d", got)
	}
}

func TestRestock(t *testing.T) {
	f := setup(t, map[string]int{"p1": 1})
	l := inventory.NewLedger(f.store, fastPolicy, nil)
	ctx := context.Background()

	rec, err := l.Restock(ctx, "p1", "b1", 4)
	if err != nil || rec.Stock != 5 {
		t.Fatalf("restock: %+v %v", rec, err)
	}
	if _, err := l.Restock(ctx, "p1", "b1", -1); !errors.Is(err, orders.ErrInvalidInput) {
		t.Fatalf("want invalid input, got %v", err)
	}
	if _, err := l.Restock(ctx, "p1", "b9", 1); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func orderID(i int) string { return "o-" + string(rune('a'+i)) }
