package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS ai_response_cache (
	content_hash TEXT PRIMARY KEY,
	response_data JSONB NOT NULL,
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	prompt_template_id TEXT NOT NULL,
	prompt_version TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	hit_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_ai_cache_prompt ON ai_response_cache(prompt_template_id, prompt_version);
CREATE INDEX IF NOT EXISTS idx_ai_cache_model ON ai_response_cache(model);
CREATE INDEX IF NOT EXISTS idx_ai_cache_expires ON ai_response_cache(expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS anonymous_usage (
	ip_address TEXT NOT NULL,
	usage_date DATE NOT NULL,
	scans_used INTEGER NOT NULL DEFAULT 0 CHECK (scans_used >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (ip_address, usage_date)
);

CREATE TABLE IF NOT EXISTS monthly_usage (
	user_id TEXT NOT NULL,
	month_year TEXT NOT NULL,
	scans_used INTEGER NOT NULL DEFAULT 0 CHECK (scans_used >= 0),
	additional_scans_purchased INTEGER NOT NULL DEFAULT 0 CHECK (additional_scans_purchased >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, month_year)
);

CREATE TABLE IF NOT EXISTS hourly_usage (
	user_id TEXT NOT NULL,
	hour_timestamp TIMESTAMPTZ NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0 CHECK (request_count >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, hour_timestamp)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	user_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	status TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS ai_usage_metrics (
	id BIGSERIAL PRIMARY KEY,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	operation TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
	estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ai_usage_metrics_created ON ai_usage_metrics(created_at);

CREATE TABLE IF NOT EXISTS ai_metrics_daily (
	date DATE NOT NULL,
	model TEXT NOT NULL,
	operation TEXT NOT NULL,
	provider TEXT NOT NULL,
	total_requests BIGINT NOT NULL,
	cache_hits BIGINT NOT NULL,
	cache_misses BIGINT NOT NULL,
	total_tokens BIGINT NOT NULL,
	avg_latency_ms DOUBLE PRECISION NOT NULL,
	p95_latency_ms INTEGER NOT NULL,
	p99_latency_ms INTEGER NOT NULL,
	estimated_cost_usd DOUBLE PRECISION NOT NULL,
	hit_rate DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (date, model, operation, provider)
);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, role)
);

CREATE TABLE IF NOT EXISTS admin_audit_log (
	id UUID PRIMARY KEY,
	actor_id TEXT NOT NULL,
	action TEXT NOT NULL,
	params JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_admin_audit_created ON admin_audit_log(created_at DESC);

CREATE TABLE IF NOT EXISTS scans (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_scans_created ON scans(created_at);

CREATE TABLE IF NOT EXISTS shared_scans (
	id BIGSERIAL PRIMARY KEY,
	scan_id BIGINT,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_shared_scans_expires ON shared_scans(expires_at) WHERE expires_at IS NOT NULL;
`

// ensureSchema creates the tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
