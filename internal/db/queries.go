package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

const cacheColumns = `content_hash, response_data, model, provider, prompt_template_id, prompt_version,
	tokens_used, latency_ms, hit_count, created_at, last_accessed_at, expires_at`

func scanCacheEntry(row pgx.Row) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := row.Scan(
		&entry.ContentHash,
		&entry.ResponseData,
		&entry.Model,
		&entry.Provider,
		&entry.PromptTemplateID,
		&entry.PromptVersion,
		&entry.TokensUsed,
		&entry.LatencyMs,
		&entry.HitCount,
		&entry.CreatedAt,
		&entry.LastAccessedAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetCacheEntry counts a hit and returns the entry in one statement. Expired
// rows are left alone and reported as absent.
func (db *DB) GetCacheEntry(ctx context.Context, contentHash string, now time.Time) (*models.CacheEntry, error) {
	query := `
        UPDATE ai_response_cache
        SET hit_count = hit_count + 1, last_accessed_at = $2
        WHERE content_hash = $1 AND (expires_at IS NULL OR expires_at > $2)
        RETURNING ` + cacheColumns

	entry, err := scanCacheEntry(db.Pool.QueryRow(ctx, query, contentHash, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// UpsertCacheEntry overwrites the response of an existing hash but keeps its
// hit_count and last_accessed_at.
func (db *DB) UpsertCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	query := `
        INSERT INTO ai_response_cache (content_hash, response_data, model, provider, prompt_template_id,
            prompt_version, tokens_used, latency_ms, hit_count, created_at, last_accessed_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)
        ON CONFLICT (content_hash) DO UPDATE
        SET response_data = EXCLUDED.response_data,
            model = EXCLUDED.model,
            provider = EXCLUDED.provider,
            prompt_template_id = EXCLUDED.prompt_template_id,
            prompt_version = EXCLUDED.prompt_version,
            tokens_used = EXCLUDED.tokens_used,
            latency_ms = EXCLUDED.latency_ms,
            created_at = EXCLUDED.created_at,
            expires_at = EXCLUDED.expires_at
    `

	_, err := db.Pool.Exec(ctx, query,
		entry.ContentHash,
		entry.ResponseData,
		entry.Model,
		entry.Provider,
		entry.PromptTemplateID,
		entry.PromptVersion,
		entry.TokensUsed,
		entry.LatencyMs,
		entry.CreatedAt,
		entry.LastAccessedAt,
		entry.ExpiresAt,
	)
	return err
}

func (db *DB) DeleteAllCacheEntries(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM ai_response_cache`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) DeleteCacheEntriesByPrompt(ctx context.Context, templateID, version string) (int64, error) {
	query := `
        DELETE FROM ai_response_cache
        WHERE prompt_template_id = $1 AND ($2 = '' OR prompt_version = $2)
    `
	tag, err := db.Pool.Exec(ctx, query, templateID, version)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) DeleteCacheEntriesByModel(ctx context.Context, model string) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM ai_response_cache WHERE model = $1`, model)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) DeleteCacheEntry(ctx context.Context, contentHash string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM ai_response_cache WHERE content_hash = $1`, contentHash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (db *DB) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM ai_response_cache WHERE expires_at IS NOT NULL AND expires_at <= $1`
	tag, err := db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) GetCacheStats(ctx context.Context, now time.Time) (*models.CacheStats, error) {
	query := `
        SELECT
            COUNT(*),
            COUNT(*) FILTER (WHERE expires_at IS NOT NULL AND expires_at <= $1),
            COALESCE(SUM(hit_count), 0)
        FROM ai_response_cache
    `
	var stats models.CacheStats
	if err := db.Pool.QueryRow(ctx, query, now).Scan(&stats.TotalEntries, &stats.ExpiredEntries, &stats.TotalHits); err != nil {
		return nil, err
	}
	return &stats, nil
}
