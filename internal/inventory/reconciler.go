package inventory

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Releaser re-runs the stock release of a cancelled order.
type Releaser interface {
	RetryRelease(ctx context.Context, orderID string) error
}

// Deduper remembers processed event ids.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Reconciler consumes order.release.failed and re-runs the release. The
// consumer calls it again for the same event until it returns nil, so an event
// is only marked done once its stock is back.
type Reconciler struct {
	Releases Releaser
	Dedup    Deduper
	Log      *zap.Logger
}

// HandleReleaseFailed: dipasang sebagai handler consumer.
// An error means the release is still failing; the consumer retries the same event.
func (r *Reconciler) HandleReleaseFailed(ctx context.Context, m kafkago.Message) error {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	// 1) decode envelope
	env, err := orders.DecodeEnvelope(m.Value)
	if err != nil {
		return err
	}
	if env.EventType != orders.EventReleaseFailed {
		return nil
	} // ignore

	// 2) dedup via Redis (pakai event_id); ditandai hanya setelah sukses
	if r.Dedup != nil {
		seen, err := r.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			log.Warn("dedup lookup failed; processing anyway", zap.String("event_id", env.EventID), zap.Error(err))
		}
		if seen {
			return nil
		}
	}

	// 3) decode payload
	p, err := orders.DecodePayload[orders.ReleaseFailedPayload](env)
	if err != nil {
		return err
	}
	if p.OrderID == "" {
		return orders.Malformed("release event order id", string(env.Payload))
	}

	// 4) release ulang; idempotent per (order, product)
	err = r.Releases.RetryRelease(ctx, p.OrderID)
	switch {
	case err == nil:
		log.Info("stock release reconciled", zap.String("order_id", p.OrderID), zap.String("event_id", env.EventID))
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, orders.ErrInvalidTransition):
		// nothing to release for this order; retrying cannot help
		log.Error("release event for order that cannot release stock",
			zap.String("order_id", p.OrderID), zap.Error(err))
	default:
		log.Warn("stock release still failing", zap.String("order_id", p.OrderID),
			zap.String("reason", p.Reason), zap.Error(err))
		return err
	}

	if r.Dedup != nil {
		if err := r.Dedup.Mark(ctx, env.EventID); err != nil {
			log.Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	return nil
}
