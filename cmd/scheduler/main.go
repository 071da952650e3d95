package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/billabex/netsuite-connector/internal/app"
	"github.com/billabex/netsuite-connector/internal/config"
	"github.com/billabex/netsuite-connector/internal/jobs"
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
		logger.Error("FATAL: Failed to initialize scheduler", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	cm := jobs.NewCronManager(rt.Refresher, rt.ERP, rt.Engine, rt.Queue, jobs.Schedules{
		Refresh:         cfg.RefreshSchedule,
		Reconcile:       cfg.ReconcileSchedule,
		ReconcileBudget: cfg.ReconcileBudget,
	}, logger)

	if err := cm.SetupJobs(); err != nil {
		logger.Error("FATAL: Invalid job schedule", "error", err)
		os.Exit(1)
	}

	go infra.StartObservabilityServer(ctx, cfg.MetricsPort, "SCHEDULER", func() bool { return true }, logger)

	// don't wait for the first tick to find out the connection is broken
	cm.RefreshToken(ctx)
	cm.Start()

	<-ctx.Done()
	logger.Info("👋 Shutting down scheduler...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cm.Stop(shutdownCtx)

	logger.Info("✅ Scheduler shut down successfully")
}
