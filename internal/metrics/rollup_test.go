package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/db"
	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

func record(model string, latency, tokens int, hit bool, at time.Time) models.AiUsageMetric {
	return models.AiUsageMetric{
		Provider:         "openai",
		Model:            model,
		Operation:        "ingredient_analysis",
		TokensUsed:       tokens,
		LatencyMs:        latency,
		CacheHit:         hit,
		EstimatedCostUSD: float64(tokens) * 0.00001,
		CreatedAt:        at,
	}
}

func TestPercentileNearestRank(t *testing.T) {
	values := make([]int, 100)
	for i := range values {
		values[i] = i + 1
	}
	assert.Equal(t, 95, percentile(values, 95))
	assert.Equal(t, 99, percentile(values, 99))
	assert.Equal(t, 7, percentile([]int{7}, 99))
	assert.Equal(t, 0, percentile(nil, 95))
	assert.Equal(t, 40, percentile([]int{10, 20, 30, 40}, 95))
}

func TestSummarizeGroupsAndRates(t *testing.T) {
	at := time.Date(2025, 1, 17, 10, 0, 0, 0, time.UTC)
	rows := Summarize("2025-01-17", []models.AiUsageMetric{
		record("gpt-x", 2000, 500, false, at),
		record("gpt-x", 12, 0, true, at),
		record("gpt-x", 8, 0, true, at),
		record("gpt-y", 1500, 300, false, at),
	}, at)

	require.Len(t, rows, 2)
	x := rows[0]
	assert.Equal(t, "gpt-x", x.Model)
	assert.EqualValues(t, 3, x.TotalRequests)
	assert.EqualValues(t, 2, x.CacheHits)
	assert.EqualValues(t, 1, x.CacheMisses)
	assert.EqualValues(t, 500, x.TotalTokens)
	assert.InDelta(t, 2.0/3.0, x.HitRate, 1e-9)
	assert.InDelta(t, 2020.0/3.0, x.AvgLatencyMs, 1e-9)
	assert.Equal(t, 2000, x.P95LatencyMs)
	assert.InDelta(t, 0.005, x.EstimatedCostUSD, 1e-9)
}

func TestAggregateDailyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDB()
	now := time.Date(2025, 1, 18, 3, 0, 0, 0, time.UTC)
	agg := NewAggregator(store, zap.NewNop(), func() time.Time { return now })

	day := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertUsageMetrics(ctx, []models.AiUsageMetric{
		record("gpt-x", 1800, 400, false, day.Add(time.Hour)),
		record("gpt-x", 15, 0, true, day.Add(2*time.Hour)),
		record("gpt-x", 900, 100, false, day.AddDate(0, 0, 1)),
		record("gpt-x", 900, 100, false, day.Add(-time.Second)),
	}))

	first, err := agg.AggregateDaily(ctx, "")
	require.NoError(t, err)
	_, err = agg.AggregateDaily(ctx, "2025-01-17")
	require.NoError(t, err)

	stored, err := agg.ListDaily(ctx, "2025-01-17", "2025-01-17")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, first[0].TotalRequests, stored[0].TotalRequests)
	assert.EqualValues(t, 2, stored[0].TotalRequests)
	assert.EqualValues(t, 1, stored[0].CacheHits)
	assert.Equal(t, 0.5, stored[0].HitRate)
}

func TestAggregateDailyRejectsBadDate(t *testing.T) {
	agg := NewAggregator(db.NewMemoryDB(), nil, nil)
	_, err := agg.AggregateDaily(context.Background(), "17/01/2025")
	assert.Error(t, err)

	_, err = agg.ListDaily(context.Background(), "2025-01-18", "2025-01-17")
	assert.Error(t, err)
}
