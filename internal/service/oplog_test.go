package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOpLog struct {
	mu        sync.Mutex
	entries   []models.OperationLogEntry
	insertErr error
	prunedAt  time.Time
	lookups   int
}

func (m *memOpLog) InsertOperationLog(_ context.Context, e models.OperationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memOpLog) PruneOperationLogs(_ context.Context, before time.Time) (int64, error) {
	m.prunedAt = before
	return 3, nil
}

func (m *memOpLog) RemoteDeleted(_ context.Context, kind models.EntityKind, remoteID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	for _, e := range m.entries {
		if e.Operation == models.OpDelete && e.Status == models.OpSuccess && e.EntityKind == kind && e.RemoteID == remoteID {
			return true, nil
		}
	}
	return false, nil
}

func TestOperationLog_RecordsSuccessAndFailure(t *testing.T) {
	repo := &memOpLog{}
	log := NewOperationLog(repo, discardLogger())
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return now }
	ctx := context.Background()

	log.Success(ctx, models.OpCreate, models.KindInvoice, "501", "r-501", now.Add(-250*time.Millisecond))
	log.Failure(ctx, models.OpUpdate, models.KindAccount, "12", "", errors.New(strings.Repeat("x", 2000)), now)

	require.Len(t, repo.entries, 2)
	assert.Equal(t, models.OpSuccess, repo.entries[0].Status)
	assert.Equal(t, int64(250), repo.entries[0].DurationMs)
	assert.Equal(t, models.OpError, repo.entries[1].Status)
	assert.Len(t, repo.entries[1].Message, MaxErrorLength)
}

func TestOperationLog_WriteFailureIsSwallowed(t *testing.T) {
	repo := &memOpLog{insertErr: errors.New("pg down")}
	log := NewOperationLog(repo, discardLogger())

	assert.NotPanics(t, func() {
		log.Success(context.Background(), models.OpDelete, models.KindContact, "7", "r-7", time.Now())
	})
}

func TestOperationLog_RecordsEvenWhenCallerCanceled(t *testing.T) {
	repo := &memOpLog{}
	log := NewOperationLog(repo, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	log.Failure(ctx, models.OpCreate, models.KindInvoice, "1", "", context.Canceled, time.Now())

	assert.Len(t, repo.entries, 1)
}

func TestOperationLog_WasDeleted(t *testing.T) {
	repo := &memOpLog{}
	log := NewOperationLog(repo, discardLogger())
	ctx := context.Background()

	log.Success(ctx, models.OpDelete, models.KindAccount, "12", "r-acc", time.Now())

	deleted, err := log.WasDeleted(ctx, models.KindAccount, "r-acc")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = log.WasDeleted(ctx, models.KindAccount, "")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, 1, repo.lookups)
}

func TestOperationLog_Prune(t *testing.T) {
	repo := &memOpLog{}
	log := NewOperationLog(repo, discardLogger())
	now := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return now }

	n, err := log.Prune(context.Background(), 30*24*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), repo.prunedAt)
}
