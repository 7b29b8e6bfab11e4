package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-food-orders/internal/config"
	"github.com/ariefcatur/go-food-orders/internal/httpx"
	"github.com/ariefcatur/go-food-orders/internal/identity"
	"github.com/ariefcatur/go-food-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-food-orders/internal/kafka"
	"github.com/ariefcatur/go-food-orders/internal/notify"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/postgres"
	"github.com/ariefcatur/go-food-orders/internal/redisx"
	"github.com/ariefcatur/go-food-orders/internal/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Container holds everything both binaries share. Build it with New and
// release it with Close.
type Container struct {
	Cfg      config.Config
	Log      *zap.Logger
	Redis    *redis.Client
	Catalog  httpx.Catalog
	Ledger   *inventory.Ledger
	Workflow *orders.Workflow
	Hub      *notify.Hub

	// nil without brokers
	StatusProducer  *kafkax.Producer
	ReleaseProducer *kafkax.Producer

	started bool
	closers []func() error
}

type stores struct {
	orders    orders.Store
	inventory inventory.Store
	catalog   httpx.Catalog
}

// New opens the store selected by STORE_DRIVER, connects Redis and builds the
// workflow. Producers are created but not started.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Container, error) {
	c := &Container{Cfg: cfg, Log: log, Hub: notify.NewHub()}

	st, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}
	c.Catalog = st.catalog

	c.Redis = redisx.New(cfg.RedisAddr)
	c.closers = append(c.closers, c.Redis.Close)
	if err := redisx.Ping(ctx, c.Redis); err != nil {
		// cart, idempotency and cache degrade; orders still work
		log.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	policy := cfg.RetryPolicy()
	c.Ledger = inventory.NewLedger(st.inventory, policy, log.Named("ledger"))

	opts := []orders.Option{
		orders.WithPolicy(policy),
		orders.WithLogger(log.Named("orders")),
	}
	cache := redisx.NewStatusCache(c.Redis)
	if len(cfg.KafkaBrokers) > 0 {
		c.StatusProducer = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024, log)
		// Publish waits for the broker ack on the release topic
		c.ReleaseProducer = kafkax.NewSyncProducer(cfg.KafkaBrokers, orders.TopicReleaseFailed, log)
		// every API instance gets status changes back through Kafka and feeds its own hub
		opts = append(opts,
			orders.WithNotifier(notify.Fanout{cache, &notify.StatusPublisher{P: c.StatusProducer, Producer: cfg.ServiceName}}),
			orders.WithReleaseQueue(&notify.ReleaseQueue{P: c.ReleaseProducer, Producer: cfg.ServiceName}),
		)
	} else {
		log.Warn("no kafka brokers configured; status events stay in-process and failed releases need manual reconcile")
		opts = append(opts, orders.WithNotifier(notify.Fanout{cache, c.Hub}))
	}
	c.Workflow = orders.NewWorkflow(identity.Provider{}, c.Ledger, st.orders, opts...)
	return c, nil
}

func (c *Container) openStore(ctx context.Context) (stores, error) {
	switch c.Cfg.StoreDriver {
	case "postgres":
		pool, err := postgres.Connect(ctx, c.Cfg.PostgresDSN)
		if err != nil {
			return stores{}, fmt.Errorf("postgres connect: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("postgres migrate: %w", err)
		}
		c.closers = append(c.closers, func() error { pool.Close(); return nil })
		return stores{
			orders:    &postgres.OrderRepo{DB: pool},
			inventory: &postgres.InventoryRepo{DB: pool},
			catalog:   &postgres.CatalogRepo{DB: pool},
		}, nil
	case "sqlite":
		db, err := sqlite.Open(ctx, c.Cfg.SQLitePath)
		if err != nil {
			return stores{}, fmt.Errorf("sqlite open: %w", err)
		}
		c.closers = append(c.closers, db.Close)
		return stores{
			orders:    sqlite.NewOrderRepo(db),
			inventory: sqlite.NewInventoryRepo(db),
			catalog:   sqlite.NewCatalogRepo(db),
		}, nil
	}
	return stores{}, fmt.Errorf("unknown store driver %q", c.Cfg.StoreDriver)
}

// StartProducers runs the producer loops until ctx is done or Close is called.
func (c *Container) StartProducers(ctx context.Context) {
	for _, p := range c.producers() {
		p.Start(ctx)
	}
	c.started = true
}

// Close flushes producers, then releases Redis and the store.
func (c *Container) Close() error {
	for _, p := range c.producers() {
		p.Close()
	}
	if c.started {
		for _, p := range c.producers() {
			p.WaitClosed()
		}
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) producers() []*kafkax.Producer {
	var out []*kafkax.Producer
	for _, p := range []*kafkax.Producer{c.StatusProducer, c.ReleaseProducer} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
