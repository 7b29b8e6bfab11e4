package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Workflow drives an order through creation, status changes and cancellation.
// It holds no locks: stock consistency comes from the ledger's atomic primitives
// and partial failures are undone by compensating steps.
type Workflow struct {
	identity Identity
	ledger   Ledger
	store    Store
	notifier Notifier
	releases ReleaseQueue
	policy   retry.Policy
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

type Option func(*Workflow)

func WithNotifier(n Notifier) Option         { return func(w *Workflow) { w.notifier = n } }
func WithReleaseQueue(q ReleaseQueue) Option { return func(w *Workflow) { w.releases = q } }
func WithPolicy(p retry.Policy) Option       { return func(w *Workflow) { w.policy = p } }
func WithLogger(l *zap.Logger) Option        { return func(w *Workflow) { w.log = l } }
func WithClock(now func() time.Time) Option  { return func(w *Workflow) { w.now = now } }
func WithIDGenerator(f func() string) Option { return func(w *Workflow) { w.newID = f } }

func NewWorkflow(identity Identity, ledger Ledger, store Store, opts ...Option) *Workflow {
	w := &Workflow{
		identity: identity,
		ledger:   ledger,
		store:    store,
		notifier: nopNotifier{},
		policy:   retry.DefaultPolicy(),
		log:      zap.NewNop(),
		tracer:   otel.Tracer("github.com/ariefcatur/go-food-orders/internal/orders"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreateOrder validates the cart, persists the order with its lines and reserves stock.
// If reservation fails the stored order is moved to cancelled and whatever was
// reserved is released before the error is returned.
func (w *Workflow) CreateOrder(ctx context.Context, branchID string, items []CartItem, deliveryTime *time.Time) (o Order, err error) {
	ctx, span := w.tracer.Start(ctx, "orders.create", trace.WithAttributes(attribute.String("branch.id", branchID)))
	defer func() { endSpan(span, err) }()

	userID, ok := w.identity.CurrentUser(ctx)
	if !ok || userID == "" {
		return Order{}, ErrUnauthenticated
	}
	if len(items) == 0 {
		return Order{}, ErrEmptyOrder
	}
	lines, err := normalizeLines(branchID, items)
	if err != nil {
		return Order{}, err
	}

	reqs := make([]StockRequest, 0, len(lines))
	var total Cents
	for _, l := range lines {
		reqs = append(reqs, StockRequest{ProductID: l.ProductID, BranchID: branchID, Qty: l.Qty})
		total += l.Subtotal()
	}

	available, err := w.ledger.CheckAvailability(ctx, reqs)
	if err != nil {
		return Order{}, remoteErr("check availability", err)
	}
	if !available {
		return Order{}, &Error{Kind: KindInsufficientStock, Msg: fmt.Sprintf("not enough stock at branch %s for this order", branchID)}
	}

	now := w.timestamp()
	o = Order{
		ID:           w.newID(),
		UserID:       userID,
		BranchID:     branchID,
		Status:       StatusPending,
		TotalCents:   total,
		DeliveryTime: deliveryTime,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i := range lines {
		lines[i].OrderID = o.ID
	}
	o.Items = lines
	span.SetAttributes(attribute.String("order.id", o.ID))

	if err := w.policy.Once(ctx, func(ctx context.Context) error { return w.store.CreateOrder(ctx, o) }); err != nil {
		if KindOf(err) == "" {
			w.discardUnconfirmed(ctx, o, err)
		}
		return Order{}, remoteErr("persist order", err)
	}

	if err := w.ledger.Reserve(ctx, o.ID, reqs); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			err = &Error{Kind: KindInvalidTransition, Msg: fmt.Sprintf("order %s changed status while its stock was being reserved", o.ID), Err: err}
		}
		return Order{}, w.compensateCreate(ctx, o, reqs, err)
	}

	w.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("user_id", userID),
		zap.String("branch_id", branchID),
		zap.Int("lines", len(lines)),
		zap.Stringer("total", o.TotalCents),
	)
	w.notify(ctx, StatusChange{OrderID: o.ID, UserID: o.UserID, BranchID: o.BranchID, To: StatusPending, UpdatedAt: now})
	return o, nil
}

func (w *Workflow) compensateCreate(ctx context.Context, o Order, reqs []StockRequest, cause error) error {
	ctx = context.WithoutCancel(ctx)
	w.log.Warn("stock reservation failed, cancelling order",
		zap.String("order_id", o.ID), zap.Error(cause))

	errs := []error{remoteErr("reserve stock", cause)}
	cancelled, from, err := w.abandon(ctx, o)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("cancel order %s after failed reservation: %w", o.ID, err))
		w.log.Error("order not cancelled after failed reservation", zap.String("order_id", o.ID), zap.Error(err))
	case from != "":
		w.notify(ctx, StatusChange{OrderID: o.ID, UserID: o.UserID, BranchID: o.BranchID, From: from, To: StatusCancelled, UpdatedAt: cancelled.UpdatedAt})
	}
	if err := w.ledger.Release(ctx, o.ID, reqs); err != nil {
		errs = append(errs, err)
		w.enqueueRelease(ctx, o.ID, failedItems(err, reqs), err)
	}
	return errors.Join(errs...)
}

// abandon cancels an order whose stock was never fully reserved. The order is
// usually still pending, but a concurrent cancel or a staff move to cooking may
// have got there first; from is empty when it was already cancelled.
func (w *Workflow) abandon(ctx context.Context, o Order) (updated Order, from Status, err error) {
	from = StatusPending
	for attempt := 0; attempt < 3; attempt++ {
		updated, err = w.setStatus(ctx, o, from, StatusCancelled)
		if !errors.Is(err, ErrInvalidTransition) {
			return updated, from, err
		}
		cur, gerr := w.GetOrder(ctx, o.ID)
		if gerr != nil {
			return Order{}, "", gerr
		}
		if cur.Status == StatusCancelled {
			return cur, "", nil
		}
		if !CanTransition(cur.Status, StatusCancelled) {
			return Order{}, "", InvalidTransition(cur.Status, StatusCancelled)
		}
		from = cur.Status
	}
	return Order{}, "", fmt.Errorf("order %s kept changing status", o.ID)
}

// discardUnconfirmed handles an insert that failed on our side but may have
// committed anyway; such an order would otherwise stay pending with no stock.
func (w *Workflow) discardUnconfirmed(ctx context.Context, o Order, cause error) {
	ctx = context.WithoutCancel(ctx)
	_, from, err := w.abandon(ctx, o)
	switch {
	case errors.Is(err, ErrNotFound):
		// never stored
	case err != nil:
		w.log.Error("order may be left pending after failed insert",
			zap.String("order_id", o.ID), zap.NamedError("cause", cause), zap.Error(err))
	case from != "":
		w.log.Warn("order stored despite insert error; cancelled it",
			zap.String("order_id", o.ID), zap.Error(cause))
	}
}

// CancelOrder moves a pending or cooking order to cancelled and restores its stock.
// The status write happens first; a second cancel therefore fails on the state check
// and can never release twice. A failed release is reported as PartialReleaseFailure
// together with the cancelled order.
func (w *Workflow) CancelOrder(ctx context.Context, id string) (o Order, err error) {
	ctx, span := w.tracer.Start(ctx, "orders.cancel", trace.WithAttributes(attribute.String("order.id", id)))
	defer func() { endSpan(span, err) }()

	cur, err := w.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(cur.Status, StatusCancelled) {
		return Order{}, InvalidTransition(cur.Status, StatusCancelled)
	}
	updated, err := w.setStatus(ctx, cur, cur.Status, StatusCancelled)
	if err != nil {
		return Order{}, err
	}
	w.notify(ctx, StatusChange{OrderID: id, UserID: cur.UserID, BranchID: cur.BranchID, From: cur.Status, To: StatusCancelled, UpdatedAt: updated.UpdatedAt})

	reqs := cur.StockRequests()
	if err := w.ledger.Release(ctx, id, reqs); err != nil {
		failed := failedItems(err, reqs)
		if KindOf(err) != KindPartialRelease {
			err = PartialRelease(id, failed, err)
		}
		w.log.Error("stock release incomplete after cancel",
			zap.String("order_id", id), zap.Int("failed_items", len(failed)), zap.Error(err))
		w.enqueueRelease(ctx, id, failed, err)
		return updated, err
	}

	w.log.Info("order cancelled", zap.String("order_id", id), zap.String("from", string(cur.Status)))
	return updated, nil
}

// UpdateStatus applies a forward transition. Cancellation is routed through
// CancelOrder so that stock is always released.
func (w *Workflow) UpdateStatus(ctx context.Context, id string, to Status) (o Order, err error) {
	if !to.Valid() {
		return Order{}, InvalidInput("unknown status %q", to)
	}
	if to == StatusCancelled {
		return w.CancelOrder(ctx, id)
	}

	ctx, span := w.tracer.Start(ctx, "orders.update_status", trace.WithAttributes(
		attribute.String("order.id", id), attribute.String("order.status", string(to))))
	defer func() { endSpan(span, err) }()

	cur, err := w.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(cur.Status, to) {
		return Order{}, InvalidTransition(cur.Status, to)
	}
	updated, err := w.setStatus(ctx, cur, cur.Status, to)
	if err != nil {
		return Order{}, err
	}
	w.log.Info("order status updated", zap.String("order_id", id), zap.String("from", string(cur.Status)), zap.String("to", string(to)))
	w.notify(ctx, StatusChange{OrderID: id, UserID: cur.UserID, BranchID: cur.BranchID, From: cur.Status, To: to, UpdatedAt: updated.UpdatedAt})
	return updated, nil
}

func (w *Workflow) GetOrder(ctx context.Context, id string) (Order, error) {
	if id == "" {
		return Order{}, InvalidInput("order id is required")
	}
	var o Order
	err := w.policy.Do(ctx, isPermanent, func(ctx context.Context) error {
		var err error
		o, err = w.store.GetOrder(ctx, id)
		return err
	})
	if err != nil {
		return Order{}, remoteErr("load order", err)
	}
	return o, nil
}

// OrderHistory lists the user's orders, newest first.
func (w *Workflow) OrderHistory(ctx context.Context, userID string, limit, offset int) ([]Order, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	var out []Order
	err := w.policy.Do(ctx, isPermanent, func(ctx context.Context) error {
		var err error
		out, err = w.store.ListByUser(ctx, userID, limit, offset)
		return err
	})
	if err != nil {
		return nil, remoteErr("list orders", err)
	}
	return out, nil
}

// RetryRelease re-runs the stock release of a cancelled order. Lines already
// released are skipped by the ledger, so it is safe to call repeatedly.
func (w *Workflow) RetryRelease(ctx context.Context, id string) (err error) {
	ctx, span := w.tracer.Start(ctx, "orders.retry_release", trace.WithAttributes(attribute.String("order.id", id)))
	defer func() { endSpan(span, err) }()

	o, err := w.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != StatusCancelled {
		return &Error{Kind: KindInvalidTransition, Msg: fmt.Sprintf("order %s is %s; only cancelled orders release stock", id, o.Status)}
	}
	if err := w.ledger.Release(ctx, id, o.StockRequests()); err != nil {
		return err
	}
	w.log.Info("stock release reconciled", zap.String("order_id", id))
	return nil
}

func (w *Workflow) setStatus(ctx context.Context, o Order, from, to Status) (Order, error) {
	at := w.timestamp()
	var updated Order
	err := w.policy.Do(ctx, isPermanent, func(ctx context.Context) error {
		var err error
		updated, err = w.store.UpdateStatus(ctx, o.ID, from, to, at)
		return err
	})
	if err != nil {
		return Order{}, remoteErr("update order status", err)
	}
	return updated, nil
}

func (w *Workflow) notify(ctx context.Context, c StatusChange) {
	if err := w.notifier.Publish(ctx, c); err != nil {
		w.log.Warn("status notification failed", zap.String("order_id", c.OrderID), zap.String("status", string(c.To)), zap.Error(err))
	}
}

func (w *Workflow) enqueueRelease(ctx context.Context, orderID string, items []StockRequest, cause error) {
	if w.releases == nil {
		w.log.Error("no release queue configured; stock needs manual reconciliation", zap.String("order_id", orderID))
		return
	}
	if err := w.releases.EnqueueRelease(context.WithoutCancel(ctx), orderID, items, cause.Error()); err != nil {
		w.log.Error("enqueue stock release failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// timestamp is truncated to microseconds, the precision Postgres keeps.
func (w *Workflow) timestamp() time.Time {
	return w.now().UTC().Truncate(time.Microsecond)
}

func normalizeLines(branchID string, items []CartItem) ([]LineItem, error) {
	if branchID == "" {
		return nil, InvalidInput("branch id is required")
	}
	idx := make(map[string]int, len(items))
	lines := make([]LineItem, 0, len(items))
	for _, it := range items {
		switch {
		case it.ProductID == "":
			return nil, InvalidInput("cart item without product id")
		case it.Qty <= 0:
			return nil, InvalidInput("quantity for product %s must be positive, got %d", it.ProductID, it.Qty)
		case it.PriceCents < 0:
			return nil, InvalidInput("price for product %s is negative", it.ProductID)
		case it.BranchID != "" && it.BranchID != branchID:
			return nil, InvalidInput("product %s was added from branch %s, not %s", it.ProductID, it.BranchID, branchID)
		}
		if i, ok := idx[it.ProductID]; ok {
			if lines[i].PriceCents != it.PriceCents {
				return nil, InvalidInput("conflicting prices for product %s", it.ProductID)
			}
			lines[i].Qty += it.Qty
			continue
		}
		idx[it.ProductID] = len(lines)
		lines = append(lines, LineItem{ProductID: it.ProductID, Qty: it.Qty, PriceCents: it.PriceCents})
	}
	return lines, nil
}

func failedItems(err error, all []StockRequest) []StockRequest {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindPartialRelease && len(e.Failed) > 0 {
		return e.Failed
	}
	return all
}

func isPermanent(err error) bool { return KindOf(err) != "" }

// remoteErr keeps domain errors intact and turns timeouts and exhausted retries into TransientFailure.
func remoteErr(op string, err error) error {
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, retry.ErrExhausted) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, StatusChange) error { return nil }
