package db

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id       TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	preferred_port INTEGER NOT NULL DEFAULT 0,
	path_prefix    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id            UUID PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	payload       JSONB NOT NULL DEFAULT '{}',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS build_records (
	build_id           UUID PRIMARY KEY,
	agent_id           TEXT NOT NULL,
	source_ref         TEXT NOT NULL,
	image_reference    TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	backend_job_handle TEXT NOT NULL DEFAULT '',
	error_detail       TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS build_records_agent_idx
	ON build_records (agent_id, created_at DESC);

CREATE TABLE IF NOT EXISTS deployment_records (
	deployment_id    UUID PRIMARY KEY,
	agent_id         TEXT NOT NULL,
	image_reference  TEXT NOT NULL,
	resolved_port    INTEGER NOT NULL DEFAULT 0,
	service_endpoint TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	error_detail     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS deployment_records_agent_idx
	ON deployment_records (agent_id, created_at DESC);

CREATE TABLE IF NOT EXISTS agent_leases (
	agent_id   TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema applies the bootstrap DDL. Every statement is idempotent, so
// all processes run it at startup.
func (d *DB) EnsureSchema(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, schema)
	return err
}
