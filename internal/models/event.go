package models

import "time"

// ERPOutboxRecord is a row of the SYNC_OUTBOX table filled by ERP triggers.
type ERPOutboxRecord struct {
	ID             int64     `db:"ID"`
	EntityKind     string    `db:"ENTITY_KIND"`
	RecordID       string    `db:"RECORD_ID"`
	OpType         string    `db:"OP_TYPE"` // 'I', 'U', 'D'
	RemoteID       string    `db:"REMOTE_ID"`
	ParentRemoteID string    `db:"PARENT_REMOTE_ID"`
	CreatedAt      time.Time `db:"CREATED_AT"`
}

// Action maps the trigger operation code onto a sync action.
func (r ERPOutboxRecord) Action() Action {
	if r.OpType == "D" {
		return ActionDelete
	}
	return ActionUpsert
}

// EntityChangedEvent is the message published on the broker for each ERP change.
// Deletes carry RemoteID since the local record is already gone.
type EntityChangedEvent struct {
	EventID        string     `json:"event_id"`
	Kind           EntityKind `json:"kind"`
	RecordID       string     `json:"record_id"`
	Action         Action     `json:"action"`
	RemoteID       string     `json:"remote_id,omitempty"`
	ParentRemoteID string     `json:"parent_remote_id,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// QueueKey is the (entity id, parent id) pair a sync queue entry for this
// event is keyed on. Deletes are keyed on remote identifiers.
func (e EntityChangedEvent) QueueKey() (string, string) {
	if e.Action == ActionDelete {
		return e.RemoteID, e.ParentRemoteID
	}
	return e.RecordID, ""
}
