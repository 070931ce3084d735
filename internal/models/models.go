package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a persisted AI response keyed by its content hash.
type CacheEntry struct {
	ContentHash      string          `json:"content_hash"`
	ResponseData     json.RawMessage `json:"response_data"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	PromptTemplateID string          `json:"prompt_template_id"`
	PromptVersion    string          `json:"prompt_version"`
	TokensUsed       int             `json:"tokens_used"`
	LatencyMs        int             `json:"latency_ms"`
	HitCount         int64           `json:"hit_count"`
	CreatedAt        time.Time       `json:"created_at"`
	LastAccessedAt   time.Time       `json:"last_accessed_at"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the entry must be treated as absent at now.
// A nil ExpiresAt never expires.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

type CacheStats struct {
	TotalEntries   int64 `json:"total_entries"`
	ExpiredEntries int64 `json:"expired_entries"`
	TotalHits      int64 `json:"total_hits"`
}

// UsageKind selects the identity scope and time bucket of a usage counter.
type UsageKind string

const (
	UsageAnonymous UsageKind = "anonymous" // per IP, per UTC day
	UsageMonthly   UsageKind = "monthly"   // per user, per calendar month
	UsageHourly    UsageKind = "hourly"    // per user, per clock hour
)

// UsageBucket identifies exactly one counter row.
type UsageBucket struct {
	Kind     UsageKind `json:"kind"`
	Identity string    `json:"identity"`
	Period   string    `json:"period"`
}

// UsageCounter is the stored value of a bucket. Extra holds purchased
// add-on units and is only meaningful for monthly buckets.
type UsageCounter struct {
	Bucket UsageBucket `json:"bucket"`
	Used   int         `json:"used"`
	Extra  int         `json:"extra"`
}

// Subscription is the billing system's view of an authenticated user.
type Subscription struct {
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Subscription) Active() bool {
	return s != nil && (s.Status == "active" || s.Status == "trialing")
}

// AiUsageMetric is one raw record per AI call, cached or not.
type AiUsageMetric struct {
	ID               int64     `json:"id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Operation        string    `json:"operation"`
	TokensUsed       int       `json:"tokens_used"`
	LatencyMs        int       `json:"latency_ms"`
	CacheHit         bool      `json:"cache_hit"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// DailyMetricsRollup is the per-day summary keyed by
// (Date, Model, Operation, Provider).
type DailyMetricsRollup struct {
	Date             string    `json:"date"` // Format: "2006-01-02"
	Model            string    `json:"model"`
	Operation        string    `json:"operation"`
	Provider         string    `json:"provider"`
	TotalRequests    int64     `json:"total_requests"`
	CacheHits        int64     `json:"cache_hits"`
	CacheMisses      int64     `json:"cache_misses"`
	TotalTokens      int64     `json:"total_tokens"`
	AvgLatencyMs     float64   `json:"avg_latency_ms"`
	P95LatencyMs     int       `json:"p95_latency_ms"`
	P99LatencyMs     int       `json:"p99_latency_ms"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	HitRate          float64   `json:"hit_rate"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AuditEntry is an append-only record of an administrative action.
type AuditEntry struct {
	ID        string            `json:"id"`
	ActorID   string            `json:"actor_id"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params"`
	CreatedAt time.Time         `json:"created_at"`
}
