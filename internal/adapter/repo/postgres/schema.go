package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the durable collections when absent. Statements are
// idempotent so every process can run this at startup.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			options JSONB NOT NULL,
			provider_count INT NOT NULL DEFAULT 0,
			providers_fused INT NOT NULL DEFAULT 0,
			tasks_total INT NOT NULL DEFAULT 0,
			tasks_completed INT NOT NULL DEFAULT 0,
			tasks_failed INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_updated_idx ON jobs (status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS job_providers (
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL,
			input JSONB NOT NULL,
			tasks_total INT NOT NULL,
			tasks_done INT NOT NULL DEFAULT 0,
			fused BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (job_id, provider_id)
		)`,
		`CREATE TABLE IF NOT EXISTS worker_results (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			fields JSONB,
			field_confidence JSONB,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0,
			processing_ms BIGINT NOT NULL DEFAULT 0,
			completed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS worker_results_task_idx ON worker_results (task_id)`,
		`CREATE INDEX IF NOT EXISTS worker_results_job_provider_idx ON worker_results (job_id, provider_id)`,
		`CREATE TABLE IF NOT EXISTS validation_reports (
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL,
			report_id TEXT NOT NULL,
			status TEXT NOT NULL,
			overall_confidence DOUBLE PRECISION NOT NULL,
			report JSONB NOT NULL,
			generated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (job_id, provider_id)
		)`,
	}
	for _, q := range stmts {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
