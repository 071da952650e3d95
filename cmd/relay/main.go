package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/billabex/netsuite-connector/internal/app"
	"github.com/billabex/netsuite-connector/internal/config"
	"github.com/billabex/netsuite-connector/internal/service"
	"github.com/billabex/netsuite-connector/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("FATAL: Failed to initialize relay", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	var healthy atomic.Bool
	healthy.Store(true)
	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, "RELAY", healthy.Load, logger)
	go rt.KeepTokenFresh(ctx, time.Minute)

	janitorDone := make(chan struct{})
	go runMaintenance(ctx, rt, cfg, janitorDone)

	logger.Info("🚀 Sync queue relay started", "pid", os.Getpid(), "poll_interval", cfg.PollInterval)

	runMainLoop(ctx, rt, cfg, &healthy)

	<-janitorDone
	logger.Info("✅ Shutdown complete")
}

// runMainLoop drains the queue once per poll interval. Infrastructure errors
// back off; entity failures are the queue's business.
func runMainLoop(ctx context.Context, rt *app.Runtime, cfg *config.Config, healthy *atomic.Bool) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		budget := service.NewBudget(cfg.DrainBudget, cfg.DrainBudgetUnits)
		res, err := rt.Queue.Drain(ctx, budget, rt.Engine)
		if ctx.Err() != nil {
			slog.Info("👋 Shutting down main loop...")
			return
		}

		if err != nil {
			healthy.Store(false)
			slog.Error("Queue drain failed", "error", err)
			if _, werr := backoff.Wait(ctx); werr != nil {
				return
			}
			continue
		}

		healthy.Store(true)
		backoff.Reset()

		// a drain cut short by its budget still has work waiting
		wait := cfg.PollInterval
		if res.Exhausted {
			wait = time.Second
		}
		if err := infra.Sleep(ctx, wait); err != nil {
			return
		}
	}
}

func runMaintenance(ctx context.Context, rt *app.Runtime, cfg *config.Config, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("🧹 Janitor: Starting queue health checks")

			affected, err := rt.Queue.ResetStale(ctx, cfg.StaleProcessingAfter)
			if err != nil {
				slog.Error("Janitor: Failed to reset stale entries", "error", err)
			} else if affected > 0 {
				slog.Warn("Janitor: Rescued stuck entries", "count", affected)
			}

			pruned, err := rt.OpLog.Prune(ctx, cfg.OpLogRetention)
			if err != nil {
				slog.Error("Janitor: Operation log pruning failed", "error", err)
			} else if pruned > 0 {
				slog.Info("Janitor: Pruned operation log", "count", pruned)
			}

			stats, err := rt.Queue.RefreshGauges(ctx)
			if err != nil {
				slog.Error("Janitor: Failed to read queue stats", "error", err)
			} else if stats.Failed > 0 {
				slog.Warn("Janitor: Entries exhausted their retries and need an operator",
					"failed", stats.Failed, "pending", stats.Pending)
			}

		case <-ctx.Done():
			slog.Info("🛑 Janitor: Stopping maintenance goroutine")
			return
		}
	}
}
