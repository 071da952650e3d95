package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/pkg/metrics"
)

const (
	DefaultMaxRetries = 5
	MaxErrorLength    = 1000
	drainFetchSize    = 100
)

// QueueRepository defines the contract for sync queue persistence
type QueueRepository interface {
	UpsertQueueEntry(ctx context.Context, kind models.EntityKind, entityID, parentID string, action models.Action) (models.SyncQueueEntry, error)
	FetchDrainable(ctx context.Context, limit, maxRetries int, before time.Time) ([]models.SyncQueueEntry, error)
	ClaimEntry(ctx context.Context, id int64) (bool, error)
	CompleteEntry(ctx context.Context, id, revision int64) (bool, error)
	FailEntry(ctx context.Context, id int64, retryCount int, status models.QueueStatus, lastError string) error
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
	ResetFailedEntry(ctx context.Context, kind models.EntityKind, entityID string) (bool, error)
	QueueStats(ctx context.Context) (models.QueueStats, error)
}

// Dispatcher runs the synchronizer matching a queue entry
type Dispatcher interface {
	Dispatch(ctx context.Context, entry models.SyncQueueEntry) error
}

// DrainResult summarizes one Drain invocation
type DrainResult struct {
	Done       int
	Retried    int
	Failed     int
	Superseded int
	Exhausted  bool
}

// SyncQueue is the durable retry queue in front of the synchronizers
type SyncQueue struct {
	repo       QueueRepository
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

func NewSyncQueue(repo QueueRepository, maxRetries int, logger *slog.Logger) *SyncQueue {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	return &SyncQueue{
		repo:       repo,
		logger:     logger,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Enqueue records that (kind, id) needs syncing. An existing entry for the
// same key keeps its row and takes the new action.
func (q *SyncQueue) Enqueue(ctx context.Context, kind models.EntityKind, entityID, parentID string, action models.Action) error {
	if !kind.Valid() {
		return fmt.Errorf("FATAL: cannot enqueue unknown kind %q", kind)
	}
	if !action.Valid() {
		return fmt.Errorf("FATAL: cannot enqueue unknown action %q", action)
	}
	if entityID == "" {
		return fmt.Errorf("FATAL: cannot enqueue %s without an id", kind)
	}

	entry, err := q.repo.UpsertQueueEntry(ctx, kind, entityID, parentID, action)
	if err != nil {
		return err
	}

	q.logger.Debug("Entity enqueued",
		"entity_kind", kind,
		"entity_id", entityID,
		"action", action,
		"revision", entry.Revision,
		"retry_count", entry.RetryCount,
	)
	return nil
}

// Drain processes eligible entries oldest first until none is left, the
// budget runs out or ctx is canceled. Entries touched after the drain
// started wait for the next one.
func (q *SyncQueue) Drain(ctx context.Context, budget *Budget, d Dispatcher) (DrainResult, error) {
	start := q.now()
	var res DrainResult

	defer func() {
		metrics.DrainDuration.Observe(time.Since(start).Seconds())
		if res.Done+res.Retried+res.Failed+res.Superseded > 0 || res.Exhausted {
			q.logger.Info("Queue drain telemetry",
				"done", res.Done,
				"retried", res.Retried,
				"failed", res.Failed,
				"superseded", res.Superseded,
				"budget_exhausted", res.Exhausted,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}()

	ctx = WithBudget(ctx, budget)

	for {
		entries, err := q.repo.FetchDrainable(ctx, drainFetchSize, q.maxRetries, start)
		if err != nil {
			return res, fmt.Errorf("fetch failure: %w", err)
		}
		if len(entries) == 0 {
			return res, nil
		}

		for _, e := range entries {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			default:
			}

			if budget.Exhausted() {
				res.Exhausted = true
				return res, nil
			}

			claimed, err := q.repo.ClaimEntry(ctx, e.ID)
			if err != nil {
				return res, fmt.Errorf("claim failure: %w", err)
			}
			if !claimed {
				continue
			}

			if err := q.process(ctx, d, e, &res); err != nil {
				return res, err
			}
			budget.Charge(1)
		}
	}
}

func (q *SyncQueue) process(ctx context.Context, d Dispatcher, e models.SyncQueueEntry, res *DrainResult) error {
	l := q.logger.With("entity_kind", e.EntityKind, "entity_id", e.EntityID, "action", e.Action)

	dispatchErr := dispatchSafe(ctx, d, e)

	if dispatchErr != nil && ctx.Err() != nil {
		l.Warn("Shutdown signal received. Reverting entry to pending.")
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.repo.FailEntry(cleanupCtx, e.ID, e.RetryCount, models.QueuePending, "graceful_shutdown"); err != nil {
			l.Error("CRITICAL: Failed to revert entry during shutdown", "error", err)
		}
		return ctx.Err()
	}

	if dispatchErr == nil || errors.Is(dispatchErr, models.ErrRecordNotFound) {
		if dispatchErr != nil {
			l.Info("Local record is gone, dropping queue entry", "error", dispatchErr)
		}
		deleted, err := q.repo.CompleteEntry(ctx, e.ID, e.Revision)
		if err != nil {
			return fmt.Errorf("db checkpoint failure: %w", err)
		}
		if !deleted {
			l.Debug("Entry re-enqueued while processing, kept pending")
			res.Superseded++
			metrics.QueueProcessed.WithLabelValues(string(e.EntityKind), "superseded").Inc()
			return nil
		}
		res.Done++
		metrics.QueueProcessed.WithLabelValues(string(e.EntityKind), "done").Inc()
		return nil
	}

	retries := e.RetryCount + 1
	status := models.QueuePending
	if retries >= q.maxRetries {
		status = models.QueueFailed
	}

	if err := q.repo.FailEntry(ctx, e.ID, retries, status, truncate(dispatchErr.Error(), MaxErrorLength)); err != nil {
		return fmt.Errorf("db checkpoint failure: %w", err)
	}

	if status == models.QueueFailed {
		res.Failed++
		metrics.QueueProcessed.WithLabelValues(string(e.EntityKind), "failed").Inc()
		l.Error("Queue entry exhausted its retries", "retry_count", retries, "error", dispatchErr)
		return nil
	}

	res.Retried++
	metrics.QueueProcessed.WithLabelValues(string(e.EntityKind), "retry").Inc()
	l.Warn("Queue entry failed, will retry", "retry_count", retries, "error", dispatchErr)
	return nil
}

// dispatchSafe turns a synchronizer panic into an ordinary entry failure
func dispatchSafe(ctx context.Context, d Dispatcher, e models.SyncQueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in synchronizer: %v", r)
		}
	}()
	return d.Dispatch(ctx, e)
}

// ResetStale puts entries stuck in processing back to pending
func (q *SyncQueue) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.repo.ResetStaleProcessing(ctx, olderThan)
}

// Retry makes a failed entry drainable again with a fresh retry count
func (q *SyncQueue) Retry(ctx context.Context, kind models.EntityKind, entityID string) (bool, error) {
	return q.repo.ResetFailedEntry(ctx, kind, entityID)
}

// RefreshGauges publishes the queue size per status
func (q *SyncQueue) RefreshGauges(ctx context.Context) (models.QueueStats, error) {
	stats, err := q.repo.QueueStats(ctx)
	if err != nil {
		return stats, err
	}
	metrics.QueueBacklog.Set(float64(stats.Pending + stats.Processing))
	metrics.QueueFailed.Set(float64(stats.Failed))
	return stats, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
