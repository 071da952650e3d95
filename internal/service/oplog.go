package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/pkg/metrics"
)

// OpLogRepository is the storage contract for the append-only operation log
type OpLogRepository interface {
	InsertOperationLog(ctx context.Context, e models.OperationLogEntry) error
	PruneOperationLogs(ctx context.Context, before time.Time) (int64, error)
	RemoteDeleted(ctx context.Context, kind models.EntityKind, remoteID string) (bool, error)
}

// OperationLog records one entry per remote operation attempt. Writing to it
// never fails the operation being recorded.
type OperationLog struct {
	repo   OpLogRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewOperationLog(repo OpLogRepository, logger *slog.Logger) *OperationLog {
	return &OperationLog{repo: repo, logger: logger, now: time.Now}
}

// Success records a completed remote operation started at started
func (o *OperationLog) Success(ctx context.Context, op models.Operation, kind models.EntityKind, localID, remoteID string, started time.Time) {
	o.record(ctx, models.OperationLogEntry{
		Operation:  op,
		EntityKind: kind,
		LocalID:    localID,
		RemoteID:   remoteID,
		Status:     models.OpSuccess,
		DurationMs: o.now().Sub(started).Milliseconds(),
	})
}

func (o *OperationLog) Failure(ctx context.Context, op models.Operation, kind models.EntityKind, localID, remoteID string, cause error, started time.Time) {
	o.record(ctx, models.OperationLogEntry{
		Operation:  op,
		EntityKind: kind,
		LocalID:    localID,
		RemoteID:   remoteID,
		Status:     models.OpError,
		Message:    truncate(cause.Error(), MaxErrorLength),
		DurationMs: o.now().Sub(started).Milliseconds(),
	})
}

func (o *OperationLog) record(ctx context.Context, e models.OperationLogEntry) {
	metrics.SyncOperations.WithLabelValues(string(e.EntityKind), string(e.Operation), string(e.Status)).Inc()

	// the audit row must land even if the caller is shutting down
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := o.repo.InsertOperationLog(writeCtx, e); err != nil {
		o.logger.Error("Failed to write operation log",
			"operation", e.Operation,
			"entity_kind", e.EntityKind,
			"local_id", e.LocalID,
			"error", err,
		)
	}
}

// WasDeleted reports whether a delete of the remote object already succeeded
func (o *OperationLog) WasDeleted(ctx context.Context, kind models.EntityKind, remoteID string) (bool, error) {
	if remoteID == "" {
		return false, nil
	}
	return o.repo.RemoteDeleted(ctx, kind, remoteID)
}

// Prune drops entries older than retention
func (o *OperationLog) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return o.repo.PruneOperationLogs(ctx, o.now().Add(-retention))
}
