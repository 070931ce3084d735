// Package maintenance runs the retention and rollup jobs.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HanTheDev/welfare-ai-gateway/internal/metrics"
	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
	"github.com/HanTheDev/welfare-ai-gateway/internal/quota"
)

const (
	JobExpiredCache   = "expired_cache"
	JobOldMetrics     = "old_metrics"
	JobExpiredShares  = "expired_shares"
	JobOldScans       = "old_scans"
	JobAnonymousUsage = "anonymous_usage"
)

type CacheSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type Store interface {
	DeleteUsageMetricsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteExpiredShares(ctx context.Context, now time.Time) (int64, error)
	DeleteScansBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteAnonymousUsageBefore(ctx context.Context, beforeDay string) (int64, error)
}

type Retention struct {
	ScanDays      int
	MetricsDays   int
	AnonUsageDays int
}

type Runner struct {
	cache     CacheSweeper
	store     Store
	retention Retention
	logger    *zap.Logger
	now       func() time.Time
}

func NewRunner(cache CacheSweeper, store Store, retention Retention, logger *zap.Logger, now func() time.Time) *Runner {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cache:     cache,
		store:     store,
		retention: retention,
		logger:    logger.Named("maintenance"),
		now:       now,
	}
}

func (r *Runner) daysAgo(days int) time.Time {
	return r.now().UTC().AddDate(0, 0, -days)
}

func (r *Runner) CleanupExpiredCache(ctx context.Context) (int64, error) {
	return r.cache.SweepExpired(ctx)
}

func (r *Runner) CleanupOldMetrics(ctx context.Context) (int64, error) {
	return r.store.DeleteUsageMetricsBefore(ctx, r.daysAgo(r.retention.MetricsDays))
}

func (r *Runner) CleanupExpiredShares(ctx context.Context) (int64, error) {
	return r.store.DeleteExpiredShares(ctx, r.now().UTC())
}

func (r *Runner) DeleteOldScans(ctx context.Context) (int64, error) {
	return r.store.DeleteScansBefore(ctx, r.daysAgo(r.retention.ScanDays))
}

// PruneAnonymousUsage drops per-IP day buckets older than the retention
// window. The current day is never touched.
func (r *Runner) PruneAnonymousUsage(ctx context.Context) (int64, error) {
	days := r.retention.AnonUsageDays
	if days < 1 {
		days = 1
	}
	return r.store.DeleteAnonymousUsageBefore(ctx, quota.DayKey(r.daysAgo(days)))
}

type job struct {
	name string
	run  func(context.Context) (int64, error)
}

func (r *Runner) jobs() []job {
	return []job{
		{JobExpiredCache, r.CleanupExpiredCache},
		{JobOldMetrics, r.CleanupOldMetrics},
		{JobExpiredShares, r.CleanupExpiredShares},
		{JobOldScans, r.DeleteOldScans},
		{JobAnonymousUsage, r.PruneAnonymousUsage},
	}
}

// JobNames lists the jobs RunAll executes, in a stable order.
func JobNames() []string {
	names := []string{JobExpiredCache, JobOldMetrics, JobExpiredShares, JobOldScans, JobAnonymousUsage}
	sort.Strings(names)
	return names
}

// RunAll runs every cleanup job concurrently. A failing job does not stop
// the others; the returned counts cover the jobs that succeeded and the
// error is the first failure.
func (r *Runner) RunAll(ctx context.Context) (map[string]int64, error) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		counts = make(map[string]int64)
	)

	for _, j := range r.jobs() {
		j := j
		g.Go(func() error {
			jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()

			n, err := j.run(jobCtx)
			if err != nil {
				r.logger.Error("maintenance job failed", zap.String("job", j.name), zap.Error(err))
				return fmt.Errorf("%s: %w", j.name, err)
			}

			metrics.AddMaintenanceRows(j.name, n)
			r.logger.Info("maintenance job finished", zap.String("job", j.name), zap.Int64("deleted", n))

			mu.Lock()
			counts[j.name] = n
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	return counts, err
}

type Aggregator interface {
	AggregateDaily(ctx context.Context, date string) ([]models.DailyMetricsRollup, error)
}

// Scheduler runs the previous day's rollup and every cleanup job on a fixed
// interval, starting immediately.
type Scheduler struct {
	runner     *Runner
	aggregator Aggregator
	interval   time.Duration
	logger     *zap.Logger
}

func NewScheduler(runner *Runner, aggregator Aggregator, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, aggregator: aggregator, interval: interval, logger: logger.Named("scheduler")}
}

func (s *Scheduler) Tick(ctx context.Context) {
	if _, err := s.aggregator.AggregateDaily(ctx, ""); err != nil {
		s.logger.Error("daily rollup failed", zap.Error(err))
	}
	if _, err := s.runner.RunAll(ctx); err != nil {
		s.logger.Error("cleanup pass incomplete", zap.Error(err))
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
