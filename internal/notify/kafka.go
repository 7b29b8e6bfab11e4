package notify

import (
	"context"
	"errors"
	"fmt"

	kafkax "github.com/ariefcatur/go-food-orders/internal/kafka"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the write side of a Kafka topic.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error
}

// StatusPublisher sends status changes to order.status.changed.
type StatusPublisher struct {
	P        Publisher
	Producer string // nama service di envelope
}

var _ orders.Notifier = (*StatusPublisher)(nil)

func (s *StatusPublisher) Publish(ctx context.Context, c orders.StatusChange) error {
	env, err := kafkax.NewEnvelope(orders.EventOrderStatusChanged, s.Producer, c.OrderID, orders.NewStatusChangedPayload(c))
	if err != nil {
		return err
	}
	return s.P.Publish(ctx, orders.PartitionKey(c.OrderID), kafkax.MustMarshal(env), kafkax.EnvelopeHeaders(env)...)
}

// ReleaseQueue sends unreleased stock to order.release.failed for the reconciler.
type ReleaseQueue struct {
	P        Publisher
	Producer string
}

var _ orders.ReleaseQueue = (*ReleaseQueue)(nil)

func (q *ReleaseQueue) EnqueueRelease(ctx context.Context, orderID string, items []orders.StockRequest, reason string) error {
	env, err := kafkax.NewEnvelope(orders.EventReleaseFailed, q.Producer, orderID,
		orders.ReleaseFailedPayload{OrderID: orderID, Items: items, Reason: reason})
	if err != nil {
		return err
	}
	return q.P.Publish(ctx, orders.PartitionKey(orderID), kafkax.MustMarshal(env), kafkax.EnvelopeHeaders(env)...)
}

// Fanout publishes to every notifier and joins their errors.
type Fanout []orders.Notifier

func (f Fanout) Publish(ctx context.Context, c orders.StatusChange) error {
	var errs []error
	for _, n := range f {
		if err := n.Publish(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

// Bridge is a consumer handler that feeds order.status.changed events to Target.
type Bridge struct {
	Target orders.Notifier
	Log    *zap.Logger
}

func (b *Bridge) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := orders.DecodeEnvelope(m.Value)
	if err != nil {
		return err
	}
	if env.EventType != orders.EventOrderStatusChanged {
		return nil
	} // ignore
	p, err := orders.DecodePayload[orders.StatusChangedPayload](env)
	if err != nil {
		return err
	}
	if b.Log != nil {
		b.Log.Debug("status event", zap.String("order_id", p.OrderID), zap.String("to", string(p.To)))
	}
	return b.Target.Publish(ctx, p.Change())
}
