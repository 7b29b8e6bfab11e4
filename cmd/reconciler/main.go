package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/app"
	"github.com/ariefcatur/go-food-orders/internal/config"
	"github.com/ariefcatur/go-food-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-food-orders/internal/kafka"
	"github.com/ariefcatur/go-food-orders/internal/observability"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/redisx"
	"go.uber.org/zap"
)

// reconciler retries stock releases that failed after a cancel.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.ServiceName+"-reconciler")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required for the reconciler")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, cfg.ServiceName+"-reconciler")
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	c, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()
	// status changes made while reconciling still reach the topic
	c.StartProducers(ctx)

	rec := &inventory.Reconciler{
		Releases: c.Workflow,
		Dedup:    redisx.NewDedup(c.Redis, cfg.ServiceName+"-reconciler"),
		Log:      logger.Named("reconciler"),
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ReconcilerGroup, orders.TopicReleaseFailed, cfg.ReconcilerWorkers, logger)

	logger.Info("reconciler started",
		zap.String("group", cfg.ReconcilerGroup),
		zap.String("topic", orders.TopicReleaseFailed),
		zap.Int("workers", cfg.ReconcilerWorkers))
	if err := cons.Start(ctx, rec.HandleReleaseFailed); err != nil {
		logger.Error("consumer exit", zap.Error(err))
	}
	logger.Info("shutting down reconciler")
}
