package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
// A Malformed error marks a poison message: it is logged and committed.
type Handler func(ctx context.Context, m kafka.Message) error

// Consumer reads a topic with a fixed pool of workers. Messages of one
// partition always go to the same worker, so offsets are committed in order.
type Consumer struct {
	r       *kafka.Reader
	workers int
	log     *zap.Logger
	// retry bounds for a failing handler
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r:          r,
		workers:    workers,
		log:        log.With(zap.String("topic", topic), zap.String("group", group)),
		backoff:    200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Start reads until ctx is cancelled. It waits for in-flight handlers before closing the reader.
// A failing handler is retried in place; its partition waits until it succeeds.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	h = Retry(h, c.backoff, c.maxBackoff, c.log)

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.handle(ctx, h, m)
			}
		}(jobs[i])
	}
	defer func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
		if err := c.r.Close(); err != nil {
			c.log.Warn("kafka reader close", zap.Error(err))
		}
	}()

	// dispatcher loop
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			// kecilkan noise saat shutdown
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	mctx := ExtractTrace(ctx, m.Headers)
	err := h(mctx, m)
	switch {
	case err == nil:
	case errors.Is(err, orders.ErrMalformed):
		c.log.Error("dropping malformed message",
			zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
	default:
		// only reached on shutdown; the message comes back after a restart
		c.log.Warn("handler stopped; offset not committed",
			zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}
	// commit on success
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Error("commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

// Retry calls h again with exponential backoff, waiting at most maxInterval
// between attempts, until it succeeds or fails with a Malformed error. It gives
// up only when ctx is done.
func Retry(h Handler, initial, maxInterval time.Duration, log *zap.Logger) Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, m kafka.Message) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		b.MaxElapsedTime = 0

		op := func() error {
			err := h(ctx, m)
			if errors.Is(err, orders.ErrMalformed) {
				return backoff.Permanent(err)
			}
			return err
		}
		return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
			log.Warn("handler failed; retrying",
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset),
				zap.Duration("next", next), zap.Error(err))
		})
	}
}
