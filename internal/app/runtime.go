// Package app wires the storage, credentials and synchronizers shared by the
// relay, consumer and scheduler binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/billabex/netsuite-connector/internal/auth"
	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/config"
	"github.com/billabex/netsuite-connector/internal/db"
	"github.com/billabex/netsuite-connector/internal/documents"
	"github.com/billabex/netsuite-connector/internal/lock"
	"github.com/billabex/netsuite-connector/internal/processor"
	"github.com/billabex/netsuite-connector/internal/service"
)

type Runtime struct {
	Postgres  *db.PostgresRepository
	ERP       *db.FirebirdRepository
	Locker    *lock.RedisLocker
	Refresher *auth.Refresher
	Queue     *service.SyncQueue
	OpLog     *service.OperationLog
	Engine    *processor.Engine

	logger *slog.Logger
}

// Open connects every backing store. On error whatever was opened is closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rt *Runtime, err error) {
	rt = &Runtime{logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	if rt.Postgres, err = db.NewPostgresRepository(ctx, cfg.DatabaseURL); err != nil {
		return rt, fmt.Errorf("postgres: %w", err)
	}
	if err = rt.Postgres.EnsureSchema(ctx); err != nil {
		return rt, fmt.Errorf("postgres schema: %w", err)
	}
	if rt.ERP, err = db.NewFirebirdRepository(cfg.FirebirdURL, logger); err != nil {
		return rt, fmt.Errorf("firebird: %w", err)
	}
	if rt.Locker, err = lock.NewRedisLocker(cfg.RedisURL, logger); err != nil {
		return rt, fmt.Errorf("redis: %w", err)
	}

	docs, err := documents.NewSource(ctx, cfg)
	if err != nil {
		return rt, fmt.Errorf("documents: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// refresh ahead of the client's own margin so it never sees an expired token
	rt.Refresher = auth.NewRefresher(rt.Postgres, rt.Locker, auth.Options{
		TokenURL:       cfg.BillingTokenURL,
		ConnectionName: cfg.ConnectionName,
		Margin:         2 * cfg.TokenExpiryMargin,
		HTTPClient:     httpClient,
	}, logger)

	client := billing.NewClient(rt.Postgres, billing.Options{
		BaseURL:              cfg.BillingAPIURL,
		ConnectionName:       cfg.ConnectionName,
		TokenExpiryMargin:    cfg.TokenExpiryMargin,
		RateLimitMaxAttempts: cfg.RateLimitMaxAttempts,
		RateLimitDefaultWait: cfg.RateLimitDefaultWait,
		RequestsPerSecond:    cfg.APIRequestsPerSecond,
		HTTPClient:           httpClient,
	}, logger)

	rt.Queue = service.NewSyncQueue(rt.Postgres, cfg.QueueMaxRetries, logger)
	rt.OpLog = service.NewOperationLog(rt.Postgres, logger)
	rt.Engine = processor.NewEngine(processor.Deps{
		API:          client,
		Store:        rt.ERP,
		Docs:         docs,
		OpLog:        rt.OpLog,
		Queue:        rt.Queue,
		Logger:       logger,
		SandboxEmail: cfg.SandboxEmail,
	})

	if cfg.SandboxEmail != "" {
		logger.Warn("🧪 Sandbox mode: every outgoing email is replaced", "sandbox_email", cfg.SandboxEmail)
	}
	return rt, nil
}

// KeepTokenFresh refreshes the access token on every tick until ctx is done
func (rt *Runtime) KeepTokenFresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := rt.Refresher.EnsureFresh(ctx); err != nil && ctx.Err() == nil {
			rt.logger.Error("🔑 Token refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (rt *Runtime) Close() {
	if rt.Locker != nil {
		rt.Locker.Close()
	}
	if rt.ERP != nil {
		rt.ERP.Close()
	}
	if rt.Postgres != nil {
		rt.Postgres.Close()
	}
}
