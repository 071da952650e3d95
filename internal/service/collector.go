package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/billabex/netsuite-connector/internal/broker"
	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/pkg/metrics"

	"github.com/google/uuid"
)

const CollectorBatchSize = 50

// ERP triggers write table names for some kinds
var kindAliases = map[string]models.EntityKind{
	"customer":          models.KindAccount,
	"credit_memo":       models.KindCreditNote,
	"credit_memo_apply": models.KindCreditAllocation,
	"customer_payment":  models.KindPayment,
}

// CollectorRepository defines the data access contract for the Collector
type CollectorRepository interface {
	FetchOutboxPending(ctx context.Context, limit int) ([]models.ERPOutboxRecord, error)
	DeleteOutbox(ctx context.Context, id int64) error
}

// MessageBroker defines the publishing contract
type MessageBroker interface {
	PublishToExchange(ctx context.Context, exchange, routingKey string, payload any) error
	IsHealthy() bool
}

// Collector moves ERP change rows from SYNC_OUTBOX to the broker
type Collector struct {
	repo     CollectorRepository
	broker   MessageBroker
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	// BatchSize caps the outbox rows read per cycle
	BatchSize int
}

func NewCollector(repo CollectorRepository, broker MessageBroker, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = time.Second
	}
	return &Collector{
		repo:      repo,
		broker:    broker,
		logger:    logger,
		interval:  interval,
		now:       time.Now,
		BatchSize: CollectorBatchSize,
	}
}

// Run starts the polling loop. It blocks until the context is canceled
func (s *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("🔥 ERP change collector started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Collector shutting down...")
			return
		case <-ticker.C:
			if !s.broker.IsHealthy() {
				s.logger.Warn("Broker is offline, skipping collection cycle")
				continue
			}

			if err := s.ProcessBatch(ctx); err != nil {
				s.logger.Error("Collector batch cycle failed", "error", err)
			}
		}
	}
}

// ProcessBatch publishes the oldest outbox rows in order and stops at the
// first failure so the next tick retries the same row.
func (s *Collector) ProcessBatch(ctx context.Context) error {
	records, err := s.repo.FetchOutboxPending(ctx, s.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch outbox: %w", err)
	}

	if len(records) == 0 {
		return nil
	}

	s.logger.Debug("Processing outbox batch", "count", len(records))

	for _, rec := range records {
		if err := s.processRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to process record ID %d: %w", rec.ID, err)
		}
	}

	return nil
}

func (s *Collector) processRecord(ctx context.Context, rec models.ERPOutboxRecord) error {
	kind, ok := resolveKind(rec.EntityKind)
	if !ok {
		s.logger.Warn("Outbox row with unknown entity kind, dropping", "outbox_id", rec.ID, "kind", rec.EntityKind)
		metrics.EventsPublished.WithLabelValues("dropped", rec.EntityKind).Inc()
		return s.repo.DeleteOutbox(ctx, rec.ID)
	}

	event := models.EntityChangedEvent{
		EventID:        uuid.NewString(),
		Kind:           kind,
		RecordID:       rec.RecordID,
		Action:         rec.Action(),
		RemoteID:       rec.RemoteID,
		ParentRemoteID: rec.ParentRemoteID,
		OccurredAt:     rec.CreatedAt,
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}

	// a delete of a never-linked record has nothing to remove remotely
	if event.Action == models.ActionDelete && event.RemoteID == "" {
		s.logger.Debug("Delete of unlinked record, nothing to publish", "kind", kind, "record_id", rec.RecordID)
		metrics.EventsPublished.WithLabelValues("dropped", string(kind)).Inc()
		return s.repo.DeleteOutbox(ctx, rec.ID)
	}

	routingKey := RoutingKey(kind, event.Action)
	if err := s.broker.PublishToExchange(ctx, broker.ExchangeEntityChanges, routingKey, event); err != nil {
		metrics.EventsPublished.WithLabelValues("error", string(kind)).Inc()
		return fmt.Errorf("broker publish failed: %w", err)
	}
	metrics.EventsPublished.WithLabelValues("sent", string(kind)).Inc()

	// at-least-once: if this delete fails the event is sent again
	if err := s.repo.DeleteOutbox(ctx, rec.ID); err != nil {
		return fmt.Errorf("failed to delete outbox entry: %w", err)
	}

	return nil
}

// RoutingKey is entity.<kind>.<action>, e.g. entity.invoice.upsert
func RoutingKey(kind models.EntityKind, action models.Action) string {
	return fmt.Sprintf("entity.%s.%s", kind, action)
}

func resolveKind(raw string) (models.EntityKind, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if k, ok := kindAliases[raw]; ok {
		return k, true
	}
	k := models.EntityKind(raw)
	return k, k.Valid()
}
