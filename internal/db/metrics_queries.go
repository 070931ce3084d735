package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

// InsertUsageMetrics writes a batch of raw records using CopyFrom.
func (db *DB) InsertUsageMetrics(ctx context.Context, records []models.AiUsageMetric) error {
	if len(records) == 0 {
		return nil
	}

	columns := []string{
		"provider", "model", "operation", "tokens_used", "latency_ms",
		"cache_hit", "estimated_cost_usd", "created_at",
	}

	_, err := db.Pool.CopyFrom(
		ctx,
		pgx.Identifier{"ai_usage_metrics"},
		columns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{
				r.Provider,
				r.Model,
				r.Operation,
				r.TokensUsed,
				r.LatencyMs,
				r.CacheHit,
				r.EstimatedCostUSD,
				r.CreatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy usage metrics: %w", err)
	}
	return nil
}

// ListUsageMetrics returns raw records with from <= created_at < to.
func (db *DB) ListUsageMetrics(ctx context.Context, from, to time.Time) ([]models.AiUsageMetric, error) {
	rows, err := db.Pool.Query(ctx, `
        SELECT id, provider, model, operation, tokens_used, latency_ms, cache_hit, estimated_cost_usd, created_at
        FROM ai_usage_metrics
        WHERE created_at >= $1 AND created_at < $2
        ORDER BY id
    `, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage metrics: %w", err)
	}
	defer rows.Close()

	var results []models.AiUsageMetric
	for rows.Next() {
		var m models.AiUsageMetric
		if err := rows.Scan(&m.ID, &m.Provider, &m.Model, &m.Operation, &m.TokensUsed,
			&m.LatencyMs, &m.CacheHit, &m.EstimatedCostUSD, &m.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// ReplaceDailyRollups overwrites the summary rows of date inside one
// transaction. Groups that no longer have raw data are removed, so re-running
// the aggregation never double counts.
func (db *DB) ReplaceDailyRollups(ctx context.Context, date string, rollups []models.DailyMetricsRollup) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM ai_metrics_daily WHERE date = $1::date`, date); err != nil {
		return fmt.Errorf("failed to clear rollups for %s: %w", date, err)
	}

	batch := &pgx.Batch{}
	for _, r := range rollups {
		batch.Queue(`
            INSERT INTO ai_metrics_daily (date, model, operation, provider, total_requests, cache_hits,
                cache_misses, total_tokens, avg_latency_ms, p95_latency_ms, p99_latency_ms,
                estimated_cost_usd, hit_rate, updated_at)
            VALUES ($1::date, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
            ON CONFLICT (date, model, operation, provider) DO UPDATE
            SET total_requests = EXCLUDED.total_requests,
                cache_hits = EXCLUDED.cache_hits,
                cache_misses = EXCLUDED.cache_misses,
                total_tokens = EXCLUDED.total_tokens,
                avg_latency_ms = EXCLUDED.avg_latency_ms,
                p95_latency_ms = EXCLUDED.p95_latency_ms,
                p99_latency_ms = EXCLUDED.p99_latency_ms,
                estimated_cost_usd = EXCLUDED.estimated_cost_usd,
                hit_rate = EXCLUDED.hit_rate,
                updated_at = EXCLUDED.updated_at
        `, date, r.Model, r.Operation, r.Provider, r.TotalRequests, r.CacheHits, r.CacheMisses,
			r.TotalTokens, r.AvgLatencyMs, r.P95LatencyMs, r.P99LatencyMs, r.EstimatedCostUSD,
			r.HitRate, r.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write rollups for %s: %w", date, err)
	}

	return tx.Commit(ctx)
}

func (db *DB) ListDailyRollups(ctx context.Context, from, to string) ([]models.DailyMetricsRollup, error) {
	rows, err := db.Pool.Query(ctx, `
        SELECT date::text, model, operation, provider, total_requests, cache_hits, cache_misses,
            total_tokens, avg_latency_ms, p95_latency_ms, p99_latency_ms, estimated_cost_usd,
            hit_rate, updated_at
        FROM ai_metrics_daily
        WHERE date >= $1::date AND date <= $2::date
        ORDER BY date, model, operation, provider
    `, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily rollups: %w", err)
	}
	defer rows.Close()

	var results []models.DailyMetricsRollup
	for rows.Next() {
		var r models.DailyMetricsRollup
		if err := rows.Scan(&r.Date, &r.Model, &r.Operation, &r.Provider, &r.TotalRequests,
			&r.CacheHits, &r.CacheMisses, &r.TotalTokens, &r.AvgLatencyMs, &r.P95LatencyMs,
			&r.P99LatencyMs, &r.EstimatedCostUSD, &r.HitRate, &r.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (db *DB) DeleteUsageMetricsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM ai_usage_metrics WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
