// Package ratelimit keeps the pro hourly request buckets in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

// keyTTL outlives the bucket so a late reader still sees the final count.
const keyTTL = 2 * time.Hour

// consumeScript increments KEYS[1] only while it is below ARGV[1] and sets
// the expiry on the first increment. Returns {count, allowed}.
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return {current, 0}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return {current, 1}
`)

type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(redisURL string) (*RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	return &RateLimiter{client: client}, nil
}

func (rl *RateLimiter) Ping(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}

func Key(bucket models.UsageBucket) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", bucket.Kind, bucket.Identity, bucket.Period)
}

func checkKind(bucket models.UsageBucket) error {
	if bucket.Kind != models.UsageHourly {
		return fmt.Errorf("redis limiter only stores hourly buckets, got %q", bucket.Kind)
	}
	return nil
}

func (rl *RateLimiter) GetUsage(ctx context.Context, bucket models.UsageBucket) (models.UsageCounter, error) {
	counter := models.UsageCounter{Bucket: bucket}
	if err := checkKind(bucket); err != nil {
		return counter, err
	}

	n, err := rl.client.Get(ctx, Key(bucket)).Int()
	if errors.Is(err, redis.Nil) {
		return counter, nil
	}
	if err != nil {
		return counter, err
	}
	counter.Used = n
	return counter, nil
}

func (rl *RateLimiter) ConsumeUsage(ctx context.Context, bucket models.UsageBucket, limit int) (models.UsageCounter, bool, error) {
	counter := models.UsageCounter{Bucket: bucket}
	if err := checkKind(bucket); err != nil {
		return counter, false, err
	}

	res, err := consumeScript.Run(ctx, rl.client, []string{Key(bucket)}, limit, int(keyTTL.Seconds())).Int64Slice()
	if err != nil {
		return counter, false, err
	}
	if len(res) != 2 {
		return counter, false, fmt.Errorf("unexpected limiter reply %v", res)
	}

	counter.Used = int(res[0])
	return counter, res[1] == 1, nil
}

func (rl *RateLimiter) Close() error {
	return rl.client.Close()
}
