package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store holds the per-item atomic primitives the ledger is built on.
// Reserve and Release are keyed by (order, product) and must be no-ops when repeated.
type Store interface {
	Record(ctx context.Context, productID, branchID string) (orders.InventoryRecord, error)
	Reserve(ctx context.Context, orderID string, it orders.StockRequest) error
	// Release returns the quantity put back, 0 when nothing was reserved.
	Release(ctx context.Context, orderID string, it orders.StockRequest) (int, error)
	Assign(ctx context.Context, rec orders.InventoryRecord) error
	Restock(ctx context.Context, productID, branchID string, qty int) (orders.InventoryRecord, error)
}

type Ledger struct {
	store  Store
	policy retry.Policy
	log    *zap.Logger
	tracer trace.Tracer
}

var _ orders.Ledger = (*Ledger)(nil)

func NewLedger(store Store, policy retry.Policy, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		policy: policy,
		log:    log,
		tracer: otel.Tracer("github.com/ariefcatur/go-food-orders/internal/inventory"),
	}
}

// CheckAvailability is a read-only snapshot; Reserve still has the final say.
func (l *Ledger) CheckAvailability(ctx context.Context, items []orders.StockRequest) (bool, error) {
	for _, it := range items {
		if err := validate(it); err != nil {
			return false, err
		}
		var rec orders.InventoryRecord
		err := l.policy.Do(ctx, permanent, func(ctx context.Context) error {
			var err error
			rec, err = l.store.Record(ctx, it.ProductID, it.BranchID)
			return err
		})
		if errors.Is(err, orders.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, transient("read stock", err)
		}
		if !rec.IsAvailable || rec.Stock < it.Qty {
			return false, nil
		}
	}
	return true, nil
}

// Reserve decrements stock item by item and stops at the first failure.
// Items already reserved stay reserved; the caller undoes them with Release.
func (l *Ledger) Reserve(ctx context.Context, orderID string, items []orders.StockRequest) (err error) {
	ctx, span := l.tracer.Start(ctx, "inventory.reserve", trace.WithAttributes(
		attribute.String("order.id", orderID), attribute.Int("items", len(items))))
	defer func() { endSpan(span, err) }()

	for _, it := range items {
		if err := validate(it); err != nil {
			return err
		}
		err := l.policy.Do(ctx, permanent, func(ctx context.Context) error {
			return l.store.Reserve(ctx, orderID, it)
		})
		if err != nil {
			l.log.Info("reserve rejected",
				zap.String("order_id", orderID), zap.String("product_id", it.ProductID),
				zap.Int("qty", it.Qty), zap.Error(err))
			return transient("reserve stock", err)
		}
	}
	return nil
}

// Release tries every item even after a failure and reports the ones it could not restore.
func (l *Ledger) Release(ctx context.Context, orderID string, items []orders.StockRequest) (err error) {
	ctx, span := l.tracer.Start(ctx, "inventory.release", trace.WithAttributes(
		attribute.String("order.id", orderID), attribute.Int("items", len(items))))
	defer func() { endSpan(span, err) }()

	var failed []orders.StockRequest
	var errs []error
	for _, it := range items {
		var n int
		err := l.policy.Do(ctx, permanent, func(ctx context.Context) error {
			var err error
			n, err = l.store.Release(ctx, orderID, it)
			return err
		})
		if err != nil {
			failed = append(failed, it)
			errs = append(errs, fmt.Errorf("%s: %w", it.ProductID, err))
			continue
		}
		if n > 0 {
			l.log.Debug("stock released", zap.String("order_id", orderID), zap.String("product_id", it.ProductID), zap.Int("qty", n))
		}
	}
	if len(failed) > 0 {
		return orders.PartialRelease(orderID, failed, errors.Join(errs...))
	}
	return nil
}

// Assign creates the branch record or flips its availability. Existing stock is kept.
func (l *Ledger) Assign(ctx context.Context, rec orders.InventoryRecord) error {
	if rec.ProductID == "" || rec.BranchID == "" {
		return orders.InvalidInput("product and branch are required")
	}
	if rec.Stock < 0 {
		return orders.InvalidInput("stock for product %s cannot be negative", rec.ProductID)
	}
	return transient("assign product", l.policy.Once(ctx, func(ctx context.Context) error {
		return l.store.Assign(ctx, rec)
	}))
}

func (l *Ledger) Restock(ctx context.Context, productID, branchID string, qty int) (orders.InventoryRecord, error) {
	if err := validate(orders.StockRequest{ProductID: productID, BranchID: branchID, Qty: qty}); err != nil {
		return orders.InventoryRecord{}, err
	}
	var rec orders.InventoryRecord
	err := l.policy.Once(ctx, func(ctx context.Context) error {
		var err error
		rec, err = l.store.Restock(ctx, productID, branchID, qty)
		return err
	})
	if err != nil {
		return orders.InventoryRecord{}, transient("restock", err)
	}
	l.log.Info("restocked", zap.String("product_id", productID), zap.String("branch_id", branchID),
		zap.Int("added", qty), zap.Int("stock", rec.Stock))
	return rec, nil
}

func (l *Ledger) Record(ctx context.Context, productID, branchID string) (orders.InventoryRecord, error) {
	var rec orders.InventoryRecord
	err := l.policy.Do(ctx, permanent, func(ctx context.Context) error {
		var err error
		rec, err = l.store.Record(ctx, productID, branchID)
		return err
	})
	return rec, transient("read stock", err)
}

func validate(it orders.StockRequest) error {
	switch {
	case it.ProductID == "" || it.BranchID == "":
		return orders.InvalidInput("product and branch are required")
	case it.Qty <= 0:
		return orders.InvalidInput("quantity for product %s must be positive, got %d", it.ProductID, it.Qty)
	}
	return nil
}

func permanent(err error) bool { return orders.KindOf(err) != "" }

// transient passes domain errors through and marks everything else as TransientFailure.
func transient(op string, err error) error {
	if err == nil || orders.KindOf(err) != "" {
		return err
	}
	return orders.Transient(op, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
