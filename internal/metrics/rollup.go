package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

const DateLayout = "2006-01-02"

type RollupStore interface {
	ListUsageMetrics(ctx context.Context, from, to time.Time) ([]models.AiUsageMetric, error)
	ReplaceDailyRollups(ctx context.Context, date string, rollups []models.DailyMetricsRollup) error
	ListDailyRollups(ctx context.Context, from, to string) ([]models.DailyMetricsRollup, error)
}

type Aggregator struct {
	store  RollupStore
	logger *zap.Logger
	now    func() time.Time
}

func NewAggregator(store RollupStore, logger *zap.Logger, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: store, logger: logger.Named("rollup"), now: now}
}

// DefaultDate is the UTC day before now.
func (a *Aggregator) DefaultDate() string {
	return a.now().UTC().AddDate(0, 0, -1).Format(DateLayout)
}

// AggregateDaily rebuilds the rollup rows for date (YYYY-MM-DD, empty for
// yesterday). The rows for the date are replaced, so running it again gives
// the same result.
func (a *Aggregator) AggregateDaily(ctx context.Context, date string) ([]models.DailyMetricsRollup, error) {
	if date == "" {
		date = a.DefaultDate()
	}
	day, err := time.Parse(DateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("invalid rollup date %q: %w", date, err)
	}

	records, err := a.store.ListUsageMetrics(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("load usage metrics for %s: %w", date, err)
	}

	rollups := Summarize(date, records, a.now().UTC())
	if err := a.store.ReplaceDailyRollups(ctx, date, rollups); err != nil {
		return nil, fmt.Errorf("store rollups for %s: %w", date, err)
	}

	a.logger.Info("daily metrics aggregated",
		zap.String("date", date),
		zap.Int("records", len(records)),
		zap.Int("groups", len(rollups)))
	return rollups, nil
}

func (a *Aggregator) ListDaily(ctx context.Context, from, to string) ([]models.DailyMetricsRollup, error) {
	for _, d := range []string{from, to} {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", d, err)
		}
	}
	if from > to {
		return nil, fmt.Errorf("from %s is after to %s", from, to)
	}
	return a.store.ListDailyRollups(ctx, from, to)
}

type groupKey struct {
	model, operation, provider string
}

// Summarize groups records by (model, operation, provider). Output is
// sorted by the group key.
func Summarize(date string, records []models.AiUsageMetric, updatedAt time.Time) []models.DailyMetricsRollup {
	groups := make(map[groupKey][]models.AiUsageMetric)
	for _, r := range records {
		k := groupKey{r.Model, r.Operation, r.Provider}
		groups[k] = append(groups[k], r)
	}

	out := make([]models.DailyMetricsRollup, 0, len(groups))
	for k, rs := range groups {
		row := models.DailyMetricsRollup{
			Date:          date,
			Model:         k.model,
			Operation:     k.operation,
			Provider:      k.provider,
			TotalRequests: int64(len(rs)),
			UpdatedAt:     updatedAt,
		}

		latencies := make([]int, 0, len(rs))
		var latencySum int64
		for _, r := range rs {
			if r.CacheHit {
				row.CacheHits++
			} else {
				row.CacheMisses++
			}
			row.TotalTokens += int64(r.TokensUsed)
			row.EstimatedCostUSD += r.EstimatedCostUSD
			latencies = append(latencies, r.LatencyMs)
			latencySum += int64(r.LatencyMs)
		}
		sort.Ints(latencies)

		row.AvgLatencyMs = float64(latencySum) / float64(len(rs))
		row.P95LatencyMs = percentile(latencies, 95)
		row.P99LatencyMs = percentile(latencies, 99)
		row.HitRate = float64(row.CacheHits) / float64(row.TotalRequests)
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Operation != b.Operation {
			return a.Operation < b.Operation
		}
		return a.Provider < b.Provider
	})
	return out
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []int, p float64) int {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
