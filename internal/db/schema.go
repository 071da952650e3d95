package db

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id          BIGSERIAL PRIMARY KEY,
	entity_kind TEXT        NOT NULL,
	entity_id   TEXT        NOT NULL,
	parent_id   TEXT,
	action      TEXT        NOT NULL CHECK (action IN ('upsert', 'delete')),
	status      TEXT        NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'failed')),
	retry_count INTEGER     NOT NULL DEFAULT 0,
	last_error  TEXT,
	revision    BIGINT      NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (entity_kind, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_drain ON sync_queue (status, created_at);

CREATE TABLE IF NOT EXISTS operation_log (
	id          BIGSERIAL PRIMARY KEY,
	operation   TEXT        NOT NULL,
	entity_kind TEXT        NOT NULL,
	local_id    TEXT        NOT NULL,
	remote_id   TEXT,
	status      TEXT        NOT NULL,
	message     TEXT,
	duration_ms BIGINT      NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_operation_log_created ON operation_log (created_at);
CREATE INDEX IF NOT EXISTS idx_operation_log_remote ON operation_log (entity_kind, remote_id) WHERE operation = 'delete';

CREATE TABLE IF NOT EXISTS billing_connections (
	id                 BIGSERIAL PRIMARY KEY,
	name               TEXT        NOT NULL UNIQUE,
	client_id          TEXT,
	client_secret      TEXT,
	access_token       TEXT,
	access_expires_at  TIMESTAMPTZ,
	refresh_token      TEXT,
	refresh_expires_at TIMESTAMPTZ,
	organization_id    TEXT,
	connected          BOOLEAN     NOT NULL DEFAULT FALSE,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
