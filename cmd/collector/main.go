package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/billabex/netsuite-connector/internal/broker"
	"github.com/billabex/netsuite-connector/internal/config"
	"github.com/billabex/netsuite-connector/internal/db"
	"github.com/billabex/netsuite-connector/internal/service"
	"github.com/billabex/netsuite-connector/pkg/infra"
	"github.com/billabex/netsuite-connector/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	logger.Info("🔧 Initializing ERP change collector...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	erp, err := db.NewFirebirdRepository(cfg.FirebirdURL, logger)
	if err != nil {
		logger.Error("FATAL: Failed to connect to Firebird database", "error", err)
		os.Exit(1)
	}
	defer erp.Close()

	first := connect(ctx, cfg, logger)
	if first == nil {
		return
	}
	link := &brokerRef{}
	link.current.Store(first)
	defer func() { link.current.Load().Close() }()

	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, "COLLECTOR", link.IsHealthy, logger)

	// the collector skips cycles while the broker is down; this loop restores the link
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if link.IsHealthy() {
					continue
				}
				logger.Warn("Broker link lost, reconnecting")
				if fresh := connect(ctx, cfg, logger); fresh != nil {
					link.current.Swap(fresh).Close()
				}
			}
		}
	}()

	collector := service.NewCollector(erp, link, cfg.PollInterval, logger)
	collector.BatchSize = cfg.BatchSize

	logger.Info("🚀 Collector is running. Polling SYNC_OUTBOX for changes...")
	collector.Run(ctx)

	logger.Info("✅ Collector service shut down successfully.")
}

// connect retries with backoff until the broker answers or ctx ends
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) *broker.RabbitMQClient {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	for {
		client, err := broker.NewRabbitMQClient(cfg.RabbitMQURL, logger)
		if err == nil {
			return client
		}
		metrics.RabbitMQReconnections.Inc()
		wait, werr := backoff.Wait(ctx)
		logger.Error("RabbitMQ link failure, retrying", "wait", wait, "error", err)
		if werr != nil {
			return nil
		}
	}
}

// brokerRef always talks to the current client
type brokerRef struct {
	current atomic.Pointer[broker.RabbitMQClient]
}

func (b *brokerRef) PublishToExchange(ctx context.Context, exchange, routingKey string, payload any) error {
	return b.current.Load().PublishToExchange(ctx, exchange, routingKey, payload)
}

func (b *brokerRef) IsHealthy() bool {
	return b.current.Load().IsHealthy()
}
