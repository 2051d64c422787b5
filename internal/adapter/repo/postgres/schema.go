package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL is applied at boot. Statements are idempotent so concurrent
// replicas can race on startup without harm.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	blob_path TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	page_count INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	stages JSONB NOT NULL DEFAULT '{}'::jsonb,
	attempt INT NOT NULL DEFAULT 0,
	manual_retries INT NOT NULL DEFAULT 0,
	locked_by TEXT NOT NULL DEFAULT '',
	locked_at TIMESTAMPTZ,
	heartbeat_at TIMESTAMPTZ,
	ocr_operation TEXT NOT NULL DEFAULT '',
	ocr_method TEXT NOT NULL DEFAULT '',
	preprocess_applied BOOLEAN NOT NULL DEFAULT FALSE,
	result_json TEXT,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_session_status_created
	ON jobs (session_id, status, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_jobs_status_updated
	ON jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	bucket_key TEXT PRIMARY KEY,
	capacity BIGINT NOT NULL,
	refill_rate DOUBLE PRECISION NOT NULL,
	tokens DOUBLE PRECISION NOT NULL,
	last_refill TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	return nil
}
