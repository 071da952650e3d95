package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/billabex/netsuite-connector/internal/app"
	"github.com/billabex/netsuite-connector/internal/broker"
	"github.com/billabex/netsuite-connector/internal/config"
	"github.com/billabex/netsuite-connector/internal/service"
	"github.com/billabex/netsuite-connector/pkg/infra"
	"github.com/billabex/netsuite-connector/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Consumer initializing...")

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("FATAL: Failed to initialize consumer", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	feedback := service.NewFeedbackService(rt.Queue, logger)

	var online atomic.Bool
	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, "CONSUMER", online.Load, logger)
	go rt.KeepTokenFresh(ctx, time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		consumeLoop(ctx, cfg, "changes", &online, func(c *broker.RabbitMQConsumer) error {
			return c.ListenChanges(ctx, rt.Engine.HandleEvent)
		})
	}()
	go func() {
		defer wg.Done()
		consumeLoop(ctx, cfg, "dead_letters", nil, func(c *broker.RabbitMQConsumer) error {
			return c.ListenDeadLetters(ctx, feedback.HandleDeadLetter)
		})
	}()

	wg.Wait()
	logger.Info("✅ Consumer shut down successfully")
}

// consumeLoop keeps one broker subscription alive, reconnecting with backoff
func consumeLoop(ctx context.Context, cfg *config.Config, name string, online *atomic.Bool, listen func(*broker.RabbitMQConsumer) error) {
	l := slog.Default().With("subscription", name)
	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for ctx.Err() == nil {
		consumer, err := broker.NewRabbitMQConsumer(cfg.RabbitMQURL, l)
		if err != nil {
			metrics.RabbitMQReconnections.Inc()
			wait, werr := connBackoff.Wait(ctx)
			l.Error("RabbitMQ connection failed, retrying...", "wait_duration", wait, "error", err)
			if werr != nil {
				return
			}
			continue
		}

		connBackoff.Reset()
		setOnline(online, true)
		l.Info("✅ Connected to Broker. Listening for events...")

		if err := listen(consumer); err != nil {
			l.Error("⚠️ Consumer connection lost", "error", err)
		}

		setOnline(online, false)
		consumer.Close()
	}
}

func setOnline(online *atomic.Bool, v bool) {
	if online == nil {
		return
	}
	online.Store(v)
	if v {
		metrics.HealthStatus.Set(1)
	} else {
		metrics.HealthStatus.Set(0)
	}
}
