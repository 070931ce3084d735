package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

func TestKey(t *testing.T) {
	b := models.UsageBucket{Kind: models.UsageHourly, Identity: "user-1", Period: "2025-01-17T08:00:00Z"}
	assert.Equal(t, "ratelimit:hourly:user-1:2025-01-17T08:00:00Z", Key(b))
}

func TestNewRateLimiterRejectsBadURL(t *testing.T) {
	_, err := NewRateLimiter("not a url")
	assert.Error(t, err)
}

func TestOnlyHourlyBuckets(t *testing.T) {
	rl, err := NewRateLimiter("redis://localhost:6379/0")
	require.NoError(t, err)
	defer rl.Close()

	monthly := models.UsageBucket{Kind: models.UsageMonthly, Identity: "u", Period: "2025-01"}
	_, _, err = rl.ConsumeUsage(context.Background(), monthly, 10)
	assert.ErrorContains(t, err, "hourly")

	_, err = rl.GetUsage(context.Background(), monthly)
	assert.ErrorContains(t, err, "hourly")
}

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rl, err := NewRateLimiter("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { rl.Close() })
	require.NoError(t, rl.Ping(context.Background()))
	return rl, mr
}

func TestConsumeUsageIsAtomic(t *testing.T) {
	rl, mr := newTestLimiter(t)
	ctx := context.Background()
	bucket := models.UsageBucket{Kind: models.UsageHourly, Identity: "pro-1", Period: "2025-01-17T08:00:00Z"}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 150)
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := rl.ConsumeUsage(ctx, bucket, 100)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, 100, admitted.Load())
	u, err := rl.GetUsage(ctx, bucket)
	require.NoError(t, err)
	assert.Equal(t, 100, u.Used)
	assert.Equal(t, 2*time.Hour, mr.TTL(Key(bucket)))

	u, ok, err := rl.ConsumeUsage(ctx, bucket, 100)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 100, u.Used)
}

func TestConsumeUsageBucketsExpire(t *testing.T) {
	rl, mr := newTestLimiter(t)
	ctx := context.Background()
	bucket := models.UsageBucket{Kind: models.UsageHourly, Identity: "pro-1", Period: "2025-01-17T08:00:00Z"}

	u, err := rl.GetUsage(ctx, bucket)
	require.NoError(t, err)
	assert.Zero(t, u.Used, "unused bucket reads as zero")

	for i := 0; i < 2; i++ {
		_, ok, err := rl.ConsumeUsage(ctx, bucket, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	_, ok, err := rl.ConsumeUsage(ctx, bucket, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2*time.Hour + time.Second)
	u, ok, err = rl.ConsumeUsage(ctx, bucket, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, u.Used)
}

func TestConsumeUsageReportsRedisErrors(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	bucket := models.UsageBucket{Kind: models.UsageHourly, Identity: "pro-1", Period: "2025-01-17T08:00:00Z"}
	_, ok, err := rl.ConsumeUsage(context.Background(), bucket, 10)
	assert.Error(t, err)
	assert.False(t, ok)
}
