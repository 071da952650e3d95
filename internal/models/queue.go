package models

import "time"

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueFailed     QueueStatus = "failed"
)

// SyncQueueEntry is a durable retry record. For delete actions EntityID holds
// the remote identifier, and ParentID the parent remote account for contacts.
type SyncQueueEntry struct {
	ID         int64       `db:"id"`
	EntityKind EntityKind  `db:"entity_kind"`
	EntityID   string      `db:"entity_id"`
	ParentID   string      `db:"parent_id"`
	Action     Action      `db:"action"`
	Status     QueueStatus `db:"status"`
	RetryCount int         `db:"retry_count"`
	LastError  string      `db:"last_error"`
	Revision   int64       `db:"revision"`
	CreatedAt  time.Time   `db:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at"`
}

// QueueStats is a snapshot of the queue size per status.
type QueueStats struct {
	Pending    int64
	Processing int64
	Failed     int64
}
