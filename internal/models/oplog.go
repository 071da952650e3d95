package models

import "time"

type Operation string

const (
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpUpsert     Operation = "upsert"
	OpDelete     Operation = "delete"
	OpRecreate   Operation = "recreate"
	OpPaidAmount Operation = "paid_amount"
	OpApply      Operation = "apply"
	OpSync       Operation = "sync"
)

type OpStatus string

const (
	OpSuccess OpStatus = "success"
	OpError   OpStatus = "error"
)

// OperationLogEntry is an append-only audit row for one remote operation attempt.
type OperationLogEntry struct {
	ID         int64      `db:"id"`
	Operation  Operation  `db:"operation"`
	EntityKind EntityKind `db:"entity_kind"`
	LocalID    string     `db:"local_id"`
	RemoteID   string     `db:"remote_id"`
	Status     OpStatus   `db:"status"`
	Message    string     `db:"message"`
	DurationMs int64      `db:"duration_ms"`
	CreatedAt  time.Time  `db:"created_at"`
}
