// Package cache implements the content-addressed AI response cache.
//
// Reads and writes on the request path never fail the caller: a storage
// error during Get is reported as a miss and a failed Put is logged and
// dropped. Administrative invalidation returns storage errors unchanged.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/metrics"
	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

// ErrUnavailable wraps storage failures observed by the cache.
var ErrUnavailable = errors.New("cache unavailable")

// errCallerGone marks a storage error that happened because the caller's own
// context ended. It is not held against the breaker.
var errCallerGone = errors.New("caller context done")

const sweepTimeout = time.Minute

// Store persists cache entries. GetCacheEntry must only return entries that
// are unexpired at now and must count the hit in the same operation; it
// returns nil, nil when nothing matches.
type Store interface {
	GetCacheEntry(ctx context.Context, contentHash string, now time.Time) (*models.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	DeleteAllCacheEntries(ctx context.Context) (int64, error)
	DeleteCacheEntriesByPrompt(ctx context.Context, templateID, version string) (int64, error)
	DeleteCacheEntriesByModel(ctx context.Context, model string) (int64, error)
	DeleteCacheEntry(ctx context.Context, contentHash string) (bool, error)
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
	GetCacheStats(ctx context.Context, now time.Time) (*models.CacheStats, error)
}

type Options struct {
	// TTL applied to entries written without an explicit ExpiresAt.
	// Zero means entries live until flushed.
	TTL time.Duration
	// Timeout bounds every storage call.
	Timeout time.Duration
	Now     func() time.Time
}

type Cache struct {
	store   Store
	ttl     time.Duration
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time
}

func New(store Store, logger *zap.Logger, opts Options) *Cache {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache{
		store:   store,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		logger:  logger.Named("cache"),
		now:     opts.Now,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "response-cache",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("cache breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// Get returns the live entry for contentHash, counting the hit. Any storage
// failure, including an open breaker, is reported as a miss.
func (c *Cache) Get(ctx context.Context, contentHash string) (*models.CacheEntry, bool) {
	start := time.Now()

	result, err := c.guarded(ctx, func(ctx context.Context) (interface{}, error) {
		return c.store.GetCacheEntry(ctx, contentHash, c.now())
	})
	if errors.Is(err, errCallerGone) {
		metrics.ObserveCacheLookup("canceled", time.Since(start))
		return nil, false
	}
	if err != nil {
		metrics.ObserveCacheLookup("error", time.Since(start))
		c.logger.Warn("cache lookup failed, treating as miss",
			zap.String("content_hash", contentHash),
			zap.Error(fmt.Errorf("%w: %v", ErrUnavailable, err)))
		return nil, false
	}

	entry, _ := result.(*models.CacheEntry)
	if entry == nil {
		metrics.ObserveCacheLookup("miss", time.Since(start))
		return nil, false
	}
	metrics.ObserveCacheLookup("hit", time.Since(start))
	return entry, true
}

// guarded runs fn through the breaker with the storage timeout applied. A
// caller that has already gone away never reaches storage, and a failure
// caused by the caller's context ending is reported as errCallerGone.
func (c *Cache) guarded(parent context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := parent.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errCallerGone, err)
	}

	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	return c.breaker.Execute(func() (interface{}, error) {
		res, err := fn(ctx)
		if err != nil && parent.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errCallerGone, err)
		}
		return res, err
	})
}

// Put upserts entry. CreatedAt is reset to now, ExpiresAt defaults to now+TTL
// and the stored hit count of an existing row with the same hash is kept.
// Failures are logged and dropped.
func (c *Cache) Put(ctx context.Context, entry *models.CacheEntry) {
	if entry == nil || entry.ContentHash == "" {
		return
	}

	now := c.now()
	stored := *entry
	stored.CreatedAt = now
	stored.LastAccessedAt = now
	if stored.ExpiresAt == nil && c.ttl > 0 {
		expires := now.Add(c.ttl)
		stored.ExpiresAt = &expires
	}

	_, err := c.guarded(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.store.UpsertCacheEntry(ctx, &stored)
	})
	if errors.Is(err, errCallerGone) {
		metrics.IncCacheWrite("canceled")
		return
	}
	if err != nil {
		metrics.IncCacheWrite("error")
		c.logger.Warn("cache write failed, dropping entry",
			zap.String("content_hash", entry.ContentHash),
			zap.Error(fmt.Errorf("%w: %v", ErrUnavailable, err)))
		return
	}
	metrics.IncCacheWrite("ok")
}

// InvalidateAll deletes every entry and returns how many were removed.
func (c *Cache) InvalidateAll(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.store.DeleteAllCacheEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("flush cache: %w", err)
	}
	c.logger.Info("cache flushed", zap.Int64("deleted", n))
	return n, nil
}

// InvalidateByPrompt deletes entries for templateID, limited to version when
// it is non-empty.
func (c *Cache) InvalidateByPrompt(ctx context.Context, templateID, version string) (int64, error) {
	if templateID == "" {
		return 0, errors.New("prompt template id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.store.DeleteCacheEntriesByPrompt(ctx, templateID, version)
	if err != nil {
		return 0, fmt.Errorf("invalidate prompt %s: %w", templateID, err)
	}
	c.logger.Info("cache invalidated by prompt",
		zap.String("prompt_template_id", templateID),
		zap.String("prompt_version", version),
		zap.Int64("deleted", n))
	return n, nil
}

func (c *Cache) InvalidateByModel(ctx context.Context, model string) (int64, error) {
	if model == "" {
		return 0, errors.New("model is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.store.DeleteCacheEntriesByModel(ctx, model)
	if err != nil {
		return 0, fmt.Errorf("invalidate model %s: %w", model, err)
	}
	c.logger.Info("cache invalidated by model", zap.String("model", model), zap.Int64("deleted", n))
	return n, nil
}

// InvalidateByKey deletes a single entry and reports whether it existed.
func (c *Cache) InvalidateByKey(ctx context.Context, contentHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	found, err := c.store.DeleteCacheEntry(ctx, contentHash)
	if err != nil {
		return false, fmt.Errorf("invalidate key %s: %w", contentHash, err)
	}
	return found, nil
}

// SweepExpired physically removes expired rows. Readers already ignore them.
// It runs under the caller's deadline, or sweepTimeout when there is none.
func (c *Cache) SweepExpired(ctx context.Context) (int64, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
	}

	n, err := c.store.DeleteExpiredCacheEntries(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired cache entries: %w", err)
	}
	return n, nil
}

func (c *Cache) Stats(ctx context.Context) (*models.CacheStats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.store.GetCacheStats(ctx, c.now())
}
