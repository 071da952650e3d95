package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores the engine's own state: sync queue, operation log
// and billing connections.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres did not answer ping: %w", err)
	}

	return &PostgresRepository{pool: p}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist yet
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const queueColumns = `id, entity_kind, entity_id, parent_id, action, status, retry_count, last_error, revision, created_at, updated_at`

// UpsertQueueEntry inserts a pending entry or, when one exists for the same
// (kind, id), overwrites its action in the same statement.
func (r *PostgresRepository) UpsertQueueEntry(ctx context.Context, kind models.EntityKind, entityID, parentID string, action models.Action) (models.SyncQueueEntry, error) {
	query := `
		INSERT INTO sync_queue (entity_kind, entity_id, parent_id, action)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_kind, entity_id) DO UPDATE
		SET action = EXCLUDED.action,
		    parent_id = EXCLUDED.parent_id,
		    revision = sync_queue.revision + 1,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING ` + queueColumns

	row := r.pool.QueryRow(ctx, query, kind, entityID, parentID, action)
	entry, err := scanQueueEntry(row)
	if err != nil {
		return models.SyncQueueEntry{}, fmt.Errorf("failed to upsert queue entry %s/%s: %w", kind, entityID, err)
	}
	return entry, nil
}

// FetchDrainable lists entries eligible for a drain, oldest first. Entries
// touched at or after before are left for the next invocation.
func (r *PostgresRepository) FetchDrainable(ctx context.Context, limit, maxRetries int, before time.Time) ([]models.SyncQueueEntry, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM sync_queue
		WHERE (status = 'pending' OR (status = 'failed' AND retry_count < $2))
		  AND updated_at < $3
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit, maxRetries, before)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch drainable entries: %w", err)
	}
	defer rows.Close()

	var entries []models.SyncQueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("queue scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ClaimEntry moves an entry to processing. It reports false when another
// drain got there first.
func (r *PostgresRepository) ClaimEntry(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE sync_queue
		SET status = 'processing', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'failed')
	`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim queue entry %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteEntry deletes a processed entry. If it was re-enqueued while being
// processed (revision moved) it goes back to pending instead.
func (r *PostgresRepository) CompleteEntry(ctx context.Context, id, revision int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1 AND revision = $2`, id, revision)
	if err != nil {
		return false, fmt.Errorf("failed to delete queue entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE sync_queue SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to requeue superseded entry %d: %w", id, err)
	}
	return false, nil
}

func (r *PostgresRepository) FailEntry(ctx context.Context, id int64, retryCount int, status models.QueueStatus, lastError string) error {
	query := `
		UPDATE sync_queue
		SET status = $2,
		    retry_count = $3,
		    last_error = $4,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, status, retryCount, lastError); err != nil {
		return fmt.Errorf("failed to record failure on queue entry %d: %w", id, err)
	}
	return nil
}

// ResetStaleProcessing rescues entries left in processing by a crashed drain
func (r *PostgresRepository) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE sync_queue
		SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'processing' AND updated_at < $1
	`
	tag, err := r.pool.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetFailedEntry is the operator reset: the entry becomes drainable again
func (r *PostgresRepository) ResetFailedEntry(ctx context.Context, kind models.EntityKind, entityID string) (bool, error) {
	query := `
		UPDATE sync_queue
		SET status = 'pending', retry_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE entity_kind = $1 AND entity_id = $2 AND status = 'failed'
	`
	tag, err := r.pool.Exec(ctx, query, kind, entityID)
	if err != nil {
		return false, fmt.Errorf("failed to reset entry %s/%s: %w", kind, entityID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) QueueStats(ctx context.Context) (models.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM sync_queue
	`
	var s models.QueueStats
	if err := r.pool.QueryRow(ctx, query).Scan(&s.Pending, &s.Processing, &s.Failed); err != nil {
		return models.QueueStats{}, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) InsertOperationLog(ctx context.Context, e models.OperationLogEntry) error {
	query := `
		INSERT INTO operation_log (operation, entity_kind, local_id, remote_id, status, message, duration_ms)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7)
	`
	if _, err := r.pool.Exec(ctx, query, e.Operation, e.EntityKind, e.LocalID, e.RemoteID, e.Status, e.Message, e.DurationMs); err != nil {
		return fmt.Errorf("failed to append operation log: %w", err)
	}
	return nil
}

func (r *PostgresRepository) PruneOperationLogs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM operation_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune operation log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RemoteDeleted reports whether a delete of the remote object already succeeded
func (r *PostgresRepository) RemoteDeleted(ctx context.Context, kind models.EntityKind, remoteID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM operation_log
			WHERE operation = 'delete' AND status = 'success'
			  AND entity_kind = $1 AND remote_id = $2
		)
	`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, kind, remoteID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up delete of %s %s: %w", kind, remoteID, err)
	}
	return exists, nil
}

// GetOrCreateConnection returns the named connection, inserting an empty one
// on first lookup.
func (r *PostgresRepository) GetOrCreateConnection(ctx context.Context, name string) (models.Connection, error) {
	if _, err := r.pool.Exec(ctx, `INSERT INTO billing_connections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return models.Connection{}, fmt.Errorf("failed to create connection %s: %w", name, err)
	}

	query := `
		SELECT id, name, COALESCE(client_id, ''), COALESCE(client_secret, ''),
		       COALESCE(access_token, ''), access_expires_at,
		       COALESCE(refresh_token, ''), refresh_expires_at,
		       COALESCE(organization_id, ''), connected, updated_at
		FROM billing_connections
		WHERE name = $1
	`
	var c models.Connection
	var accessExp, refreshExp *time.Time
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&c.ID, &c.Name, &c.ClientID, &c.ClientSecret,
		&c.AccessToken, &accessExp,
		&c.RefreshToken, &refreshExp,
		&c.OrganizationID, &c.Connected, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Connection{}, fmt.Errorf("connection %s: %w", name, models.ErrRecordNotFound)
		}
		return models.Connection{}, fmt.Errorf("failed to load connection %s: %w", name, err)
	}
	if accessExp != nil {
		c.AccessExpiresAt = *accessExp
	}
	if refreshExp != nil {
		c.RefreshExpiresAt = *refreshExp
	}
	return c, nil
}

// SaveTokens writes only the token columns, leaving credentials untouched.
func (r *PostgresRepository) SaveTokens(ctx context.Context, name string, t models.Tokens) error {
	query := `
		UPDATE billing_connections
		SET access_token = $2,
		    access_expires_at = $3,
		    refresh_token = $4,
		    refresh_expires_at = $5,
		    connected = TRUE,
		    updated_at = CURRENT_TIMESTAMP
		WHERE name = $1
	`
	tag, err := r.pool.Exec(ctx, query, name, t.AccessToken, nullTime(t.AccessExpiresAt), t.RefreshToken, nullTime(t.RefreshExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save tokens for %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection %s: %w", name, models.ErrRecordNotFound)
	}
	return nil
}

func (r *PostgresRepository) SetConnected(ctx context.Context, name string, connected bool) error {
	query := `UPDATE billing_connections SET connected = $2, updated_at = CURRENT_TIMESTAMP WHERE name = $1`
	if _, err := r.pool.Exec(ctx, query, name, connected); err != nil {
		return fmt.Errorf("failed to flag connection %s: %w", name, err)
	}
	return nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func scanQueueEntry(row pgx.Row) (models.SyncQueueEntry, error) {
	var e models.SyncQueueEntry
	var parentID, lastError *string
	err := row.Scan(
		&e.ID,
		&e.EntityKind,
		&e.EntityID,
		&parentID,
		&e.Action,
		&e.Status,
		&e.RetryCount,
		&lastError,
		&e.Revision,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}
	if parentID != nil {
		e.ParentID = *parentID
	}
	if lastError != nil {
		e.LastError = *lastError
	}
	return e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
