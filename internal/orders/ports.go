package orders

import (
	"context"
	"time"
)

// Identity resolves the acting user for the request carried by ctx.
type Identity interface {
	CurrentUser(ctx context.Context) (userID string, ok bool)
}

// Ledger is the only component allowed to mutate stock.
// Reserve and Release take the order id so repeated calls for the same
// (order, product) pair are applied at most once.
type Ledger interface {
	CheckAvailability(ctx context.Context, items []StockRequest) (bool, error)
	Reserve(ctx context.Context, orderID string, items []StockRequest) error
	Release(ctx context.Context, orderID string, items []StockRequest) error
}

// Store persists orders and their line items.
type Store interface {
	// CreateOrder inserts the header and all lines as one unit; on any failure nothing is kept.
	CreateOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	// UpdateStatus moves id from `from` to `to` only if its current status is still `from`.
	// It returns ErrInvalidTransition when the row changed underneath.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (Order, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Order, error)
}

// Notifier delivers order-row changes. It is called only after the new status is stored.
type Notifier interface {
	Publish(ctx context.Context, c StatusChange) error
}

// ReleaseQueue hands unreleased stock to the reconciliation path.
type ReleaseQueue interface {
	EnqueueRelease(ctx context.Context, orderID string, items []StockRequest, reason string) error
}
