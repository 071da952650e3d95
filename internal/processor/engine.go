package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/pkg/metrics"
)

// Engine is the single entry point for running synchronizers, whether the
// trigger is a change event, the scheduler or a queue drain.
type Engine struct {
	registry Registry
	deletes  *DeleteSync
	queue    Enqueuer
	oplog    OpLog
	logger   *slog.Logger
}

func NewEngine(d Deps) *Engine {
	registry, deletes := NewRegistry(d)
	return &Engine{
		registry: registry,
		deletes:  deletes,
		queue:    d.Queue,
		oplog:    d.OpLog,
		logger:   d.Logger,
	}
}

// Sync reconciles (kind, id). Any failure is logged, recorded and queued; the
// error is still returned so callers can report it.
func (e *Engine) Sync(ctx context.Context, kind models.EntityKind, id string) (string, error) {
	var remoteID string
	err := e.execute(ctx, kind, id, models.ActionUpsert, func() error {
		s, err := e.registry.Lookup(kind)
		if err != nil {
			return err
		}
		remoteID, err = s.Reconcile(ctx, id)
		return err
	})
	if err != nil {
		e.fail(ctx, kind, id, "", models.ActionUpsert, err)
		return "", err
	}
	return remoteID, nil
}

// Delete removes the remote object; failures are queued by remote id
func (e *Engine) Delete(ctx context.Context, kind models.EntityKind, remoteID, parentRemoteID string) error {
	err := e.execute(ctx, kind, remoteID, models.ActionDelete, func() error {
		return e.deletes.Delete(ctx, kind, remoteID, parentRemoteID)
	})
	if err != nil {
		e.fail(ctx, kind, remoteID, parentRemoteID, models.ActionDelete, err)
	}
	return err
}

// Dispatch runs a queue entry. The queue owns retry bookkeeping, so nothing
// is enqueued here.
func (e *Engine) Dispatch(ctx context.Context, entry models.SyncQueueEntry) error {
	return e.execute(ctx, entry.EntityKind, entry.EntityID, entry.Action, func() error {
		if entry.Action == models.ActionDelete {
			return e.deletes.Delete(ctx, entry.EntityKind, entry.EntityID, entry.ParentID)
		}
		s, err := e.registry.Lookup(entry.EntityKind)
		if err != nil {
			return err
		}
		_, err = s.Reconcile(ctx, entry.EntityID)
		return err
	})
}

// HandleEvent applies one ERP change event. It only fails when the change
// could neither be applied nor queued, so the broker can dead-letter it.
func (e *Engine) HandleEvent(ctx context.Context, event models.EntityChangedEvent) error {
	if !event.Kind.Valid() || !event.Action.Valid() {
		return fmt.Errorf("FATAL: invalid event metadata kind=%q action=%q", event.Kind, event.Action)
	}

	entityID, parentID := event.QueueKey()
	if entityID == "" {
		e.logger.Warn("Event without a usable id, ignoring", "event_id", event.EventID, "kind", event.Kind)
		return nil
	}

	var err error
	if event.Action == models.ActionDelete {
		err = e.execute(ctx, event.Kind, entityID, event.Action, func() error {
			return e.deletes.Delete(ctx, event.Kind, entityID, parentID)
		})
	} else {
		err = e.execute(ctx, event.Kind, entityID, event.Action, func() error {
			s, err := e.registry.Lookup(event.Kind)
			if err != nil {
				return err
			}
			_, err = s.Reconcile(ctx, entityID)
			return err
		})
	}
	if err == nil {
		return nil
	}
	return e.fail(ctx, event.Kind, entityID, parentID, event.Action, err)
}

// execute times one synchronizer invocation. A vanished local record ends
// the invocation quietly.
func (e *Engine) execute(ctx context.Context, kind models.EntityKind, id string, action models.Action, fn func() error) (err error) {
	start := time.Now()

	defer func() {
		status := "success"
		if err != nil {
			if strings.HasPrefix(err.Error(), "FATAL:") {
				status = "fatal_error"
			} else {
				status = "error"
			}
		}
		metrics.SyncDuration.WithLabelValues(string(kind), status).Observe(time.Since(start).Seconds())
	}()

	err = fn()
	if err != nil && isLocalNotFound(err) {
		e.logger.Info("Local record vanished before sync, nothing to do",
			"entity_kind", kind, "entity_id", id, "action", action, "error", err)
		return nil
	}
	return err
}

// fail logs the failure, records it and queues the entity. It returns an
// error only if queueing failed too.
func (e *Engine) fail(ctx context.Context, kind models.EntityKind, id, parentID string, action models.Action, cause error) error {
	l := e.logger.With("entity_kind", kind, "entity_id", id, "action", action)
	l.Error("Synchronization failed, queueing for retry", "error", cause)

	e.oplog.Failure(ctx, models.OpSync, kind, id, "", cause, time.Now())

	if strings.HasPrefix(cause.Error(), "FATAL:") {
		return nil
	}

	if err := e.queue.Enqueue(ctx, kind, id, parentID, action); err != nil {
		l.Error("CRITICAL: Failed to queue failed sync", "error", err)
		return fmt.Errorf("sync failed (%v) and could not be queued: %w", cause, err)
	}
	return nil
}
