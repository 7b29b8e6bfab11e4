package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/app"
	"github.com/ariefcatur/go-food-orders/internal/config"
	"github.com/ariefcatur/go-food-orders/internal/httpx"
	"github.com/ariefcatur/go-food-orders/internal/identity"
	kafkax "github.com/ariefcatur/go-food-orders/internal/kafka"
	"github.com/ariefcatur/go-food-orders/internal/notify"
	"github.com/ariefcatur/go-food-orders/internal/observability"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/redisx"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	c, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()
	c.StartProducers(ctx)

	router := httpx.NewRouter(logger.Named("http"))
	api := &httpx.API{
		Orders:  c.Workflow,
		Catalog: c.Catalog,
		Stock:   c.Ledger,
		Carts:   redisx.NewCartRepo(c.Redis),
		Idem:    redisx.NewIdempotency(c.Redis),
		Status:  redisx.NewStatusCache(c.Redis),
		Hub:     c.Hub,
		Auth:    identity.NewIssuer(cfg.JWTSecret, 24*time.Hour),
		Log:     logger.Named("http"),
	}
	api.Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if len(cfg.KafkaBrokers) > 0 {
		// unique group: every instance needs every status event for its own SSE clients
		host, _ := os.Hostname()
		group := cfg.EventsGroupPrefix + "-" + host + "-" + uuid.NewString()[:8]
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicOrderStatusChanged, 1, logger)
		bridge := &notify.Bridge{Target: c.Hub, Log: logger.Named("events")}
		g.Go(func() error {
			logger.Info("status event consumer started", zap.String("group", group))
			return cons.Start(gctx, bridge.Handle)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
