package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

type rollupKey struct {
	date, model, operation, provider string
}

type roleKey struct {
	userID, role string
}

type timedRow struct {
	at time.Time
}

// MemoryDB is an in-process Store with the same semantics as the Postgres
// implementation. It is meant for local development and tests.
type MemoryDB struct {
	mu            sync.Mutex
	cache         map[string]models.CacheEntry
	usage         map[models.UsageBucket]models.UsageCounter
	subscriptions map[string]models.Subscription
	metrics       []models.AiUsageMetric
	nextMetricID  int64
	rollups       map[rollupKey]models.DailyMetricsRollup
	roles         map[roleKey]struct{}
	audit         []models.AuditEntry
	scans         []timedRow
	shares        []timedRow
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		cache:         make(map[string]models.CacheEntry),
		usage:         make(map[models.UsageBucket]models.UsageCounter),
		subscriptions: make(map[string]models.Subscription),
		rollups:       make(map[rollupKey]models.DailyMetricsRollup),
		roles:         make(map[roleKey]struct{}),
	}
}

func (m *MemoryDB) Close() {}

func copyEntry(e models.CacheEntry) *models.CacheEntry {
	out := e
	out.ResponseData = append([]byte(nil), e.ResponseData...)
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

func (m *MemoryDB) GetCacheEntry(ctx context.Context, contentHash string, now time.Time) (*models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.cache[contentHash]
	if !ok || e.Expired(now) {
		return nil, nil
	}
	e.HitCount++
	e.LastAccessedAt = now
	m.cache[contentHash] = e
	return copyEntry(e), nil
}

func (m *MemoryDB) UpsertCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *copyEntry(*entry)
	if existing, ok := m.cache[entry.ContentHash]; ok {
		stored.HitCount = existing.HitCount
		stored.LastAccessedAt = existing.LastAccessedAt
	} else {
		stored.HitCount = 0
	}
	m.cache[entry.ContentHash] = stored
	return nil
}

func (m *MemoryDB) deleteCacheWhere(match func(models.CacheEntry) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, e := range m.cache {
		if match(e) {
			delete(m.cache, k)
			n++
		}
	}
	return n
}

func (m *MemoryDB) DeleteAllCacheEntries(ctx context.Context) (int64, error) {
	return m.deleteCacheWhere(func(models.CacheEntry) bool { return true }), nil
}

func (m *MemoryDB) DeleteCacheEntriesByPrompt(ctx context.Context, templateID, version string) (int64, error) {
	return m.deleteCacheWhere(func(e models.CacheEntry) bool {
		return e.PromptTemplateID == templateID && (version == "" || e.PromptVersion == version)
	}), nil
}

func (m *MemoryDB) DeleteCacheEntriesByModel(ctx context.Context, model string) (int64, error) {
	return m.deleteCacheWhere(func(e models.CacheEntry) bool { return e.Model == model }), nil
}

func (m *MemoryDB) DeleteCacheEntry(ctx context.Context, contentHash string) (bool, error) {
	return m.deleteCacheWhere(func(e models.CacheEntry) bool { return e.ContentHash == contentHash }) > 0, nil
}

func (m *MemoryDB) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	return m.deleteCacheWhere(func(e models.CacheEntry) bool { return e.Expired(now) }), nil
}

func (m *MemoryDB) GetCacheStats(ctx context.Context, now time.Time) (*models.CacheStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.CacheStats{}
	for _, e := range m.cache {
		stats.TotalEntries++
		stats.TotalHits += e.HitCount
		if e.Expired(now) {
			stats.ExpiredEntries++
		}
	}
	return stats, nil
}

func (m *MemoryDB) GetUsage(ctx context.Context, bucket models.UsageBucket) (models.UsageCounter, error) {
	if _, err := tableFor(bucket.Kind); err != nil {
		return models.UsageCounter{Bucket: bucket}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.usage[bucket]
	if !ok {
		return models.UsageCounter{Bucket: bucket}, nil
	}
	return c, nil
}

func (m *MemoryDB) ConsumeUsage(ctx context.Context, bucket models.UsageBucket, limit int) (models.UsageCounter, bool, error) {
	if _, err := tableFor(bucket.Kind); err != nil {
		return models.UsageCounter{Bucket: bucket}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.usage[bucket]
	if !ok {
		c = models.UsageCounter{Bucket: bucket}
	}
	if limit <= 0 || c.Used >= limit+c.Extra {
		return c, false, nil
	}
	c.Used++
	m.usage[bucket] = c
	return c, true, nil
}

// AddPurchasedScans credits add-on units to a monthly bucket.
func (m *MemoryDB) AddPurchasedScans(bucket models.UsageBucket, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.usage[bucket]
	if !ok {
		c = models.UsageCounter{Bucket: bucket}
	}
	c.Extra += n
	m.usage[bucket] = c
}

func (m *MemoryDB) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[userID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (m *MemoryDB) SetSubscription(sub models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.UserID] = sub
}

func (m *MemoryDB) InsertUsageMetrics(ctx context.Context, records []models.AiUsageMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		m.nextMetricID++
		r.ID = m.nextMetricID
		m.metrics = append(m.metrics, r)
	}
	return nil
}

func (m *MemoryDB) ListUsageMetrics(ctx context.Context, from, to time.Time) ([]models.AiUsageMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.AiUsageMetric
	for _, r := range m.metrics {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryDB) ReplaceDailyRollups(ctx context.Context, date string, rollups []models.DailyMetricsRollup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.rollups {
		if k.date == date {
			delete(m.rollups, k)
		}
	}
	for _, r := range rollups {
		r.Date = date
		m.rollups[rollupKey{date, r.Model, r.Operation, r.Provider}] = r
	}
	return nil
}

func (m *MemoryDB) ListDailyRollups(ctx context.Context, from, to string) ([]models.DailyMetricsRollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.DailyMetricsRollup
	for k, r := range m.rollups {
		if k.date >= from && k.date <= to {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Operation != b.Operation {
			return a.Operation < b.Operation
		}
		return a.Provider < b.Provider
	})
	return out, nil
}

func (m *MemoryDB) HasRole(ctx context.Context, userID, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.roles[roleKey{userID, role}]
	return ok, nil
}

func (m *MemoryDB) GrantRole(userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[roleKey{userID, role}] = struct{}{}
}

func (m *MemoryDB) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("audit entry id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	e.Params = make(map[string]string, len(entry.Params))
	for k, v := range entry.Params {
		e.Params[k] = v
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryDB) ListAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.AuditEntry, 0, len(m.audit))
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

// AddScan and AddShare seed rows owned by the wider application so retention
// jobs have something to act on.
func (m *MemoryDB) AddScan(createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = append(m.scans, timedRow{at: createdAt})
}

func (m *MemoryDB) AddShare(expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = append(m.shares, timedRow{at: expiresAt})
}

func deleteRowsBefore(rows []timedRow, cutoff time.Time) ([]timedRow, int64) {
	kept := rows[:0]
	var n int64
	for _, r := range rows {
		if r.at.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	return kept, n
}

func (m *MemoryDB) DeleteUsageMetricsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.metrics[:0]
	var n int64
	for _, r := range m.metrics {
		if r.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.metrics = kept
	return n, nil
}

func (m *MemoryDB) DeleteExpiredShares(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	m.shares, n = deleteRowsBefore(m.shares, now)
	return n, nil
}

func (m *MemoryDB) DeleteScansBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	m.scans, n = deleteRowsBefore(m.scans, before)
	return n, nil
}

func (m *MemoryDB) DeleteAnonymousUsageBefore(ctx context.Context, beforeDay string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for b := range m.usage {
		if b.Kind == models.UsageAnonymous && b.Period < beforeDay {
			delete(m.usage, b)
			n++
		}
	}
	return n, nil
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*MemoryDB)(nil)
)
