package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/billabex/netsuite-connector/internal/models"
)

// Enqueuer is the part of the sync queue the feedback path needs
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.EntityKind, entityID, parentID string, action models.Action) error
}

// FeedbackService turns dead-lettered change events into sync queue entries
type FeedbackService struct {
	queue  Enqueuer
	logger *slog.Logger
}

func NewFeedbackService(q Enqueuer, l *slog.Logger) *FeedbackService {
	return &FeedbackService{queue: q, logger: l}
}

// HandleDeadLetter returns an error only when the entry could not be stored.
// Unreadable messages are logged and dropped.
func (s *FeedbackService) HandleDeadLetter(ctx context.Context, body []byte) error {
	var event models.EntityChangedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("Feedback: failed to unmarshal dead letter, dropping", "error", err)
		return nil
	}

	if !event.Kind.Valid() || !event.Action.Valid() {
		s.logger.Error("Feedback: dead letter with invalid metadata, dropping",
			"event_id", event.EventID, "kind", event.Kind, "action", event.Action)
		return nil
	}

	entityID, parentID := event.QueueKey()
	if entityID == "" {
		s.logger.Warn("Feedback: dead letter without a usable id, dropping", "event_id", event.EventID, "kind", event.Kind)
		return nil
	}

	s.logger.Warn("Feedback: caught dead letter, enqueueing for retry",
		"event_id", event.EventID,
		"entity_kind", event.Kind,
		"entity_id", entityID,
		"action", event.Action,
	)

	if err := s.queue.Enqueue(ctx, event.Kind, entityID, parentID, event.Action); err != nil {
		s.logger.Error("Feedback: failed to enqueue dead letter", "event_id", event.EventID, "error", err)
		return err
	}

	return nil
}
