package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOutbox struct {
	rows    []models.ERPOutboxRecord
	deleted []int64
}

func (m *memOutbox) FetchOutboxPending(_ context.Context, limit int) ([]models.ERPOutboxRecord, error) {
	var out []models.ERPOutboxRecord
	for _, r := range m.rows {
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memOutbox) DeleteOutbox(_ context.Context, id int64) error {
	m.deleted = append(m.deleted, id)
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	m.rows = kept
	return nil
}

type published struct {
	exchange   string
	routingKey string
	event      models.EntityChangedEvent
}

type fakeBroker struct {
	healthy  bool
	failOn   string
	messages []published
}

func (b *fakeBroker) PublishToExchange(_ context.Context, exchange, routingKey string, payload any) error {
	if routingKey == b.failOn {
		return errors.New("channel closed")
	}
	b.messages = append(b.messages, published{exchange, routingKey, payload.(models.EntityChangedEvent)})
	return nil
}

func (b *fakeBroker) IsHealthy() bool { return b.healthy }

func TestCollector_PublishesAndDeletesInOrder(t *testing.T) {
	created := time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)
	repo := &memOutbox{rows: []models.ERPOutboxRecord{
		{ID: 1, EntityKind: "customer", RecordID: "12", OpType: "U", CreatedAt: created},
		{ID: 2, EntityKind: "contact", RecordID: "7", OpType: "D", RemoteID: "r-7", ParentRemoteID: "r-acc"},
	}}
	broker := &fakeBroker{healthy: true}
	c := NewCollector(repo, broker, time.Second, discardLogger())

	require.NoError(t, c.ProcessBatch(context.Background()))

	require.Len(t, broker.messages, 2)
	assert.Equal(t, "billing.entity.changes", broker.messages[0].exchange)
	assert.Equal(t, "entity.account.upsert", broker.messages[0].routingKey)
	assert.Equal(t, created, broker.messages[0].event.OccurredAt)
	assert.NotEmpty(t, broker.messages[0].event.EventID)

	del := broker.messages[1].event
	assert.Equal(t, "entity.contact.delete", broker.messages[1].routingKey)
	assert.Equal(t, "r-7", del.RemoteID)
	assert.Equal(t, "r-acc", del.ParentRemoteID)
	assert.Equal(t, []int64{1, 2}, repo.deleted)
}

func TestCollector_StopsAtFirstPublishFailure(t *testing.T) {
	repo := &memOutbox{rows: []models.ERPOutboxRecord{
		{ID: 1, EntityKind: "invoice", RecordID: "501", OpType: "I"},
		{ID: 2, EntityKind: "invoice", RecordID: "502", OpType: "U"},
	}}
	broker := &fakeBroker{healthy: true, failOn: "entity.invoice.upsert"}
	c := NewCollector(repo, broker, time.Second, discardLogger())

	err := c.ProcessBatch(context.Background())

	require.Error(t, err)
	assert.Empty(t, repo.deleted)
	assert.Len(t, repo.rows, 2)
}

func TestCollector_DropsUnknownKindsAndUnlinkedDeletes(t *testing.T) {
	repo := &memOutbox{rows: []models.ERPOutboxRecord{
		{ID: 1, EntityKind: "vendor", RecordID: "3", OpType: "U"},
		{ID: 2, EntityKind: "invoice", RecordID: "9", OpType: "D"},
	}}
	broker := &fakeBroker{healthy: true}
	c := NewCollector(repo, broker, time.Second, discardLogger())

	require.NoError(t, c.ProcessBatch(context.Background()))

	assert.Empty(t, broker.messages)
	assert.Equal(t, []int64{1, 2}, repo.deleted)
}

func TestResolveKind(t *testing.T) {
	k, ok := resolveKind(" CREDIT_MEMO ")
	assert.True(t, ok)
	assert.Equal(t, models.KindCreditNote, k)

	k, ok = resolveKind("payment")
	assert.True(t, ok)
	assert.Equal(t, models.KindPayment, k)

	_, ok = resolveKind("journal")
	assert.False(t, ok)
}

type recordingEnqueuer struct {
	calls []models.SyncQueueEntry
	err   error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, kind models.EntityKind, entityID, parentID string, action models.Action) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, models.SyncQueueEntry{EntityKind: kind, EntityID: entityID, ParentID: parentID, Action: action})
	return nil
}

func TestFeedback_DeadLetterBecomesQueueEntry(t *testing.T) {
	q := &recordingEnqueuer{}
	s := NewFeedbackService(q, discardLogger())

	body := []byte(`{"event_id":"e1","kind":"contact","record_id":"7","action":"delete","remote_id":"r-7","parent_remote_id":"r-acc"}`)
	require.NoError(t, s.HandleDeadLetter(context.Background(), body))

	require.Len(t, q.calls, 1)
	assert.Equal(t, models.KindContact, q.calls[0].EntityKind)
	assert.Equal(t, "r-7", q.calls[0].EntityID)
	assert.Equal(t, "r-acc", q.calls[0].ParentID)
	assert.Equal(t, models.ActionDelete, q.calls[0].Action)
}

func TestFeedback_DropsGarbage(t *testing.T) {
	q := &recordingEnqueuer{}
	s := NewFeedbackService(q, discardLogger())

	assert.NoError(t, s.HandleDeadLetter(context.Background(), []byte("not json")))
	assert.NoError(t, s.HandleDeadLetter(context.Background(), []byte(`{"kind":"vendor","record_id":"1","action":"upsert"}`)))
	assert.Empty(t, q.calls)
}

func TestFeedback_EnqueueFailureIsReturned(t *testing.T) {
	q := &recordingEnqueuer{err: errors.New("pg down")}
	s := NewFeedbackService(q, discardLogger())

	err := s.HandleDeadLetter(context.Background(), []byte(`{"kind":"invoice","record_id":"501","action":"upsert"}`))
	assert.Error(t, err)
}
