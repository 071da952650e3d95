// Package jobs runs the connector's periodic work: keeping the access token
// fresh and the nightly reconciliation of every active account.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/internal/service"

	"github.com/robfig/cron/v3"
)

type TokenRefresher interface {
	EnsureFresh(ctx context.Context) (models.Connection, error)
}

type AccountLister interface {
	ActiveAccountIDs(ctx context.Context) ([]string, error)
}

type Syncer interface {
	Sync(ctx context.Context, kind models.EntityKind, id string) (string, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.EntityKind, entityID, parentID string, action models.Action) error
}

type Schedules struct {
	Refresh         string
	Reconcile       string
	ReconcileBudget time.Duration
}

// ReconcileResult summarizes one nightly run
type ReconcileResult struct {
	Synced   int
	Failed   int
	Deferred int
}

// CronManager manages scheduled jobs
type CronManager struct {
	cron      *cron.Cron
	refresher TokenRefresher
	accounts  AccountLister
	engine    Syncer
	queue     Enqueuer
	schedules Schedules
	logger    *slog.Logger
	newBudget func() *service.Budget
}

func NewCronManager(refresher TokenRefresher, accounts AccountLister, engine Syncer, queue Enqueuer, s Schedules, logger *slog.Logger) *CronManager {
	cl := cronLogger{logger}
	cm := &CronManager{
		cron:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		refresher: refresher,
		accounts:  accounts,
		engine:    engine,
		queue:     queue,
		schedules: s,
		logger:    logger,
	}
	cm.newBudget = func() *service.Budget { return service.NewBudget(cm.schedules.ReconcileBudget, 0) }
	return cm
}

// SetupJobs configures all scheduled jobs
func (cm *CronManager) SetupJobs() error {
	cm.logger.Info("Setting up cron jobs...", "refresh", cm.schedules.Refresh, "reconcile", cm.schedules.Reconcile)

	if _, err := cm.cron.AddFunc(cm.schedules.Refresh, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		cm.RefreshToken(ctx)
	}); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", cm.schedules.Refresh, err)
	}

	if _, err := cm.cron.AddFunc(cm.schedules.Reconcile, func() {
		cm.logger.Info("🕐 Running nightly full reconciliation...")

		// the budget stops the run; the timeout only guards against a hung call
		ctx, cancel := context.WithTimeout(context.Background(), cm.schedules.ReconcileBudget+10*time.Minute)
		defer cancel()

		res, err := cm.ReconcileAll(ctx)
		if err != nil {
			cm.logger.Error("❌ Nightly reconciliation failed", "error", err)
			return
		}
		cm.logger.Info("✅ Nightly reconciliation completed",
			"synced", res.Synced, "failed", res.Failed, "deferred", res.Deferred)
	}); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", cm.schedules.Reconcile, err)
	}

	return nil
}

func (cm *CronManager) Start() {
	cm.cron.Start()
	cm.logger.Info("✅ Cron jobs started")
}

// Stop waits for running jobs to finish or ctx to expire
func (cm *CronManager) Stop(ctx context.Context) {
	done := cm.cron.Stop()
	select {
	case <-done.Done():
		cm.logger.Info("Cron jobs stopped")
	case <-ctx.Done():
		cm.logger.Warn("Timed out waiting for running jobs")
	}
}

func (cm *CronManager) RefreshToken(ctx context.Context) {
	conn, err := cm.refresher.EnsureFresh(ctx)
	if err != nil {
		cm.logger.Error("❌ Token refresh failed", "error", err)
		return
	}
	cm.logger.Debug("Access token is fresh", "expires_at", conn.AccessExpiresAt)
}

// ReconcileAll runs a full account sync for every active account until the
// budget runs out. Accounts not reached are queued for the relay.
func (cm *CronManager) ReconcileAll(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	ids, err := cm.accounts.ActiveAccountIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("list active accounts: %w", err)
	}

	budget := cm.newBudget()
	ctx = service.WithBudget(ctx, budget)

	for i, id := range ids {
		if budget.Exhausted() || ctx.Err() != nil {
			for _, rest := range ids[i:] {
				if err := cm.queue.Enqueue(ctx, models.KindFullAccount, rest, "", models.ActionUpsert); err != nil {
					return res, fmt.Errorf("defer account %s: %w", rest, err)
				}
				res.Deferred++
			}
			cm.logger.Warn("⏳ Reconciliation budget exhausted, remaining accounts queued", "deferred", res.Deferred)
			break
		}

		// the engine logs and queues its own failures
		if _, err := cm.engine.Sync(ctx, models.KindFullAccount, id); err != nil {
			res.Failed++
			continue
		}
		res.Synced++
	}
	return res, nil
}

// cronLogger routes cron's own messages to slog
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
