package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

// Store is everything the gateway persists. DB and MemoryDB both satisfy it.
type Store interface {
	GetCacheEntry(ctx context.Context, contentHash string, now time.Time) (*models.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	DeleteAllCacheEntries(ctx context.Context) (int64, error)
	DeleteCacheEntriesByPrompt(ctx context.Context, templateID, version string) (int64, error)
	DeleteCacheEntriesByModel(ctx context.Context, model string) (int64, error)
	DeleteCacheEntry(ctx context.Context, contentHash string) (bool, error)
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
	GetCacheStats(ctx context.Context, now time.Time) (*models.CacheStats, error)

	GetUsage(ctx context.Context, bucket models.UsageBucket) (models.UsageCounter, error)
	ConsumeUsage(ctx context.Context, bucket models.UsageBucket, limit int) (models.UsageCounter, bool, error)
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)

	InsertUsageMetrics(ctx context.Context, records []models.AiUsageMetric) error
	ListUsageMetrics(ctx context.Context, from, to time.Time) ([]models.AiUsageMetric, error)
	ReplaceDailyRollups(ctx context.Context, date string, rollups []models.DailyMetricsRollup) error
	ListDailyRollups(ctx context.Context, from, to string) ([]models.DailyMetricsRollup, error)

	HasRole(ctx context.Context, userID, role string) (bool, error)
	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error)

	DeleteUsageMetricsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteExpiredShares(ctx context.Context, now time.Time) (int64, error)
	DeleteScansBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteAnonymousUsageBefore(ctx context.Context, beforeDay string) (int64, error)

	Close()
}

type DB struct {
	Pool *pgxpool.Pool
}

// Open selects the backend from the DSN scheme: postgres:// (or
// postgresql://) for Postgres, memory:// for the in-process store.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, fmt.Errorf("DATABASE_URL is required (use postgres:// or memory://)")
	case strings.HasPrefix(dsn, "memory://"):
		return NewMemoryDB(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewDB(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", dsn)
	}
}

func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}
