package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/cache"
	"github.com/HanTheDev/welfare-ai-gateway/internal/db"
	"github.com/HanTheDev/welfare-ai-gateway/internal/metrics"
	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
	"github.com/HanTheDev/welfare-ai-gateway/internal/quota"
)

type memRecorder struct {
	mu      sync.Mutex
	records []models.AiUsageMetric
}

func (r *memRecorder) Record(m models.AiUsageMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, m)
}

type fixture struct {
	store    *db.MemoryDB
	gateway  *Gateway
	recorder *memRecorder
	calls    int
	invoker  Invoker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: db.NewMemoryDB(), recorder: &memRecorder{}}
	ledger := quota.NewLedger(f.store, f.store, zap.NewNop(), quota.Options{})
	c := cache.New(f.store, zap.NewNop(), cache.Options{TTL: time.Hour})
	f.gateway = New(ledger, c, f.recorder, zap.NewNop())
	f.invoker = InvokerFunc(func(ctx context.Context, req Request) (*Invocation, error) {
		f.calls++
		return &Invocation{
			Response:         json.RawMessage(`{"welfare_score":2,"animal_ingredients":["milk"]}`),
			TokensUsed:       640,
			EstimatedCostUSD: 0.0032,
		}, nil
	})
	return f
}

func analysis(ip string) Request {
	return Request{
		Caller:           quota.Caller{IP: ip},
		PromptTemplateID: "ingredient_analysis",
		PromptVersion:    "v3",
		Model:            "gpt-x",
		Provider:         "openai",
		Payload:          json.RawMessage(`{"ingredients":"milk, sugar"}`),
	}
}

func TestExecuteMissThenHit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.gateway.Execute(ctx, analysis("1.2.3.4"), f.invoker)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 640, first.TokensUsed)

	req := analysis("1.2.3.4")
	req.Payload = json.RawMessage(`{ "ingredients" : "milk,  sugar" }`)
	second, err := f.gateway.Execute(ctx, req, f.invoker)
	require.NoError(t, err)
	assert.True(t, second.CacheHit, "equivalent payloads share a cache entry")
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.JSONEq(t, string(first.Response), string(second.Response))
	assert.Equal(t, 1, f.calls)

	assert.Equal(t, 2, second.Quota.Usage.Used, "cache hits are charged")

	require.Len(t, f.recorder.records, 2)
	hit := f.recorder.records[1]
	assert.True(t, hit.CacheHit)
	assert.Zero(t, hit.TokensUsed)
	assert.Equal(t, "ingredient_analysis", hit.Operation)
	assert.Less(t, hit.LatencyMs, 1000)
}

func TestExecuteDeniedSkipsInvoker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 10; i++ {
		req := analysis("9.9.9.9")
		req.Payload = json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`)
		_, err := f.gateway.Execute(ctx, req, f.invoker)
		require.NoError(t, err)
	}
	calls := f.calls

	res, err := f.gateway.Execute(ctx, analysis("9.9.9.9"), f.invoker)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.ReasonDailyLimit, exceeded.Reason)
	assert.False(t, res.Quota.Allowed)
	assert.Equal(t, calls, f.calls)
}

func TestExecuteFailedInvocationKeepsQuotaSpent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boom := errors.New("upstream 502")
	failing := InvokerFunc(func(context.Context, Request) (*Invocation, error) { return nil, boom })

	res, err := f.gateway.Execute(ctx, analysis("4.4.4.4"), failing)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.Quota.Usage.Used)

	stats, err := f.store.GetCacheStats(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
	assert.Empty(t, f.recorder.records)
}

func TestExecuteValidatesRequest(t *testing.T) {
	f := newFixture(t)
	req := analysis("1.1.1.1")
	req.Model = ""

	_, err := f.gateway.Execute(context.Background(), req, f.invoker)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, f.calls)
}

func TestCacheHitShowsInDailyRollup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.gateway.Execute(ctx, analysis("2.2.2.2"), f.invoker)
	require.NoError(t, err)
	_, err = f.gateway.Execute(ctx, analysis("2.2.2.2"), f.invoker)
	require.NoError(t, err)
	require.NoError(t, f.store.InsertUsageMetrics(ctx, f.recorder.records))

	today := f.recorder.records[0].CreatedAt.Format(metrics.DateLayout)
	rows, err := metrics.NewAggregator(f.store, nil, nil).AggregateDaily(ctx, today)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0].CacheHits)
	assert.EqualValues(t, 2, rows[0].TotalRequests)
	assert.Equal(t, 0.5, rows[0].HitRate)
}
