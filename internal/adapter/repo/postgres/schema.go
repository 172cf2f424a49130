package postgres

import (
	"context"
	"fmt"
)

// schemaStatements is executed in order by EnsureSchema. Every statement is
// idempotent so both server and worker can run it at boot.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS organizations (
		id         uuid PRIMARY KEY,
		name       text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS deals (
		id              uuid PRIMARY KEY,
		organization_id uuid NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		name            text NOT NULL,
		company_name    text,
		status          text NOT NULL DEFAULT 'active',
		created_at      timestamptz NOT NULL DEFAULT now(),
		updated_at      timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS deals_org_idx ON deals (organization_id)`,

	`CREATE TABLE IF NOT EXISTS documents (
		id                   uuid PRIMARY KEY,
		deal_id              uuid NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
		blob_path            text NOT NULL,
		mime_type            text NOT NULL,
		display_name         text NOT NULL,
		file_size_bytes      bigint,
		processing_status    text NOT NULL DEFAULT 'pending',
		last_completed_stage text,
		processing_error     jsonb,
		retry_history        jsonb NOT NULL DEFAULT '[]'::jsonb,
		graph_episode_count  int NOT NULL DEFAULT 0,
		created_at           timestamptz NOT NULL DEFAULT now(),
		updated_at           timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS documents_deal_idx ON documents (deal_id)`,
	`CREATE INDEX IF NOT EXISTS documents_status_idx ON documents (processing_status)`,

	`CREATE TABLE IF NOT EXISTS chunks (
		id             uuid PRIMARY KEY,
		document_id    uuid NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index    int NOT NULL,
		content        text NOT NULL,
		chunk_type     text NOT NULL DEFAULT 'text',
		page_number    int,
		sheet_name     text,
		cell_reference text,
		token_count    int NOT NULL DEFAULT 0,
		embedding      vector,
		metadata       jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at     timestamptz NOT NULL DEFAULT now(),
		UNIQUE (document_id, chunk_index)
	)`,

	`CREATE TABLE IF NOT EXISTS findings (
		id           uuid PRIMARY KEY,
		deal_id      uuid NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
		document_id  uuid NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_id     uuid,
		text         text NOT NULL,
		finding_type text NOT NULL,
		domain       text NOT NULL DEFAULT 'general',
		confidence   double precision NOT NULL DEFAULT 0,
		status       text NOT NULL DEFAULT 'pending',
		metadata     jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS findings_deal_idx ON findings (deal_id)`,
	`CREATE INDEX IF NOT EXISTS findings_document_idx ON findings (document_id)`,

	`CREATE TABLE IF NOT EXISTS financial_metrics (
		id              uuid PRIMARY KEY,
		document_id     uuid NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		metric_name     text NOT NULL,
		metric_category text NOT NULL,
		value           double precision NOT NULL,
		unit            text,
		period_type     text,
		fiscal_year     int,
		fiscal_quarter  int,
		period_start    timestamptz,
		period_end      timestamptz,
		source_sheet    text,
		source_cell     text,
		source_page     int,
		source_formula  text,
		is_actual       boolean NOT NULL DEFAULT true,
		confidence      double precision NOT NULL DEFAULT 0,
		metadata        jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at      timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS financial_metrics_document_idx ON financial_metrics (document_id)`,

	`CREATE TABLE IF NOT EXISTS contradictions (
		id           uuid PRIMARY KEY,
		deal_id      uuid NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
		finding_a_id uuid NOT NULL REFERENCES findings(id) ON DELETE CASCADE,
		finding_b_id uuid NOT NULL REFERENCES findings(id) ON DELETE CASCADE,
		confidence   double precision NOT NULL,
		reason       text NOT NULL DEFAULT '',
		status       text NOT NULL DEFAULT 'unresolved',
		detected_at  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS contradictions_pair_idx
		ON contradictions (deal_id, LEAST(finding_a_id, finding_b_id), GREATEST(finding_a_id, finding_b_id))`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id            text PRIMARY KEY,
		name          text NOT NULL,
		data          jsonb NOT NULL DEFAULT '{}'::jsonb,
		state         text NOT NULL DEFAULT 'created',
		priority      int NOT NULL DEFAULT 0,
		retry_count   int NOT NULL DEFAULT 0,
		retry_limit   int NOT NULL DEFAULT 2,
		retry_delay   int NOT NULL DEFAULT 0,
		retry_backoff boolean NOT NULL DEFAULT false,
		start_after   timestamptz NOT NULL DEFAULT now(),
		expire_at     timestamptz,
		created_on    timestamptz NOT NULL DEFAULT now(),
		started_on    timestamptz,
		completed_on  timestamptz,
		output        jsonb,
		last_error    text
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_fetch_idx
		ON jobs (name, state, start_after, priority DESC, created_on ASC)`,
	`CREATE INDEX IF NOT EXISTS jobs_expire_idx ON jobs (state, expire_at)`,

	`CREATE TABLE IF NOT EXISTS finding_feedback (
		id             uuid PRIMARY KEY,
		deal_id        uuid NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
		finding_id     uuid NOT NULL REFERENCES findings(id) ON DELETE CASCADE,
		feedback_type  text NOT NULL,
		corrected_text text,
		comment        text,
		user_id        text,
		created_at     timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS finding_feedback_deal_idx ON finding_feedback (deal_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS feedback_analytics (
		id                    uuid PRIMARY KEY,
		deal_id               uuid NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
		analysis_date         date NOT NULL,
		period_days           int NOT NULL,
		stats                 jsonb NOT NULL DEFAULT '{}'::jsonb,
		patterns              jsonb NOT NULL DEFAULT '[]'::jsonb,
		recommendations       jsonb NOT NULL DEFAULT '[]'::jsonb,
		threshold_adjustments jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at            timestamptz NOT NULL DEFAULT now(),
		updated_at            timestamptz NOT NULL DEFAULT now(),
		UNIQUE (deal_id, analysis_date)
	)`,

	`CREATE TABLE IF NOT EXISTS ai_usage_log (
		id              uuid PRIMARY KEY,
		organization_id uuid,
		deal_id         uuid,
		user_id         text,
		feature         text NOT NULL,
		provider        text NOT NULL,
		model           text NOT NULL,
		input_tokens    int NOT NULL DEFAULT 0,
		output_tokens   int NOT NULL DEFAULT 0,
		cost_usd        numeric(12,6) NOT NULL DEFAULT 0,
		latency_ms      bigint NOT NULL DEFAULT 0,
		created_at      timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS rate_limit_buckets (
		bucket_key  text PRIMARY KEY,
		capacity    int NOT NULL,
		refill_rate double precision NOT NULL,
		tokens      double precision NOT NULL,
		last_refill timestamptz NOT NULL
	)`,
}

// EnsureSchema creates the tables and indexes this service needs. Safe to
// run concurrently from server and worker.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
