package quota

import (
	"time"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

// WarningPercent is the usage level at which the UI warns the caller.
const WarningPercent = 80

// Caller identifies who is spending quota. Authenticated callers carry a
// UserID; anonymous callers are keyed by IP.
type Caller struct {
	UserID string
	IP     string
}

func (c Caller) Anonymous() bool { return c.UserID == "" }

func DayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }
func HourKey(t time.Time) string  { return t.UTC().Truncate(time.Hour).Format(time.RFC3339) }

// ResetsAt is the first instant of the next bucket of kind after t.
func ResetsAt(kind models.UsageKind, t time.Time) time.Time {
	t = t.UTC()
	switch kind {
	case models.UsageAnonymous:
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
	case models.UsageMonthly:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour).Add(time.Hour)
	}
}

func bucketFor(kind models.UsageKind, identity string, t time.Time) models.UsageBucket {
	var period string
	switch kind {
	case models.UsageAnonymous:
		period = DayKey(t)
	case models.UsageMonthly:
		period = MonthKey(t)
	default:
		period = HourKey(t)
	}
	return models.UsageBucket{Kind: kind, Identity: identity, Period: period}
}

// UsagePercent returns used/limit as a percentage clamped to [0, 100]. A
// non-positive limit counts as fully used.
func UsagePercent(used, limit int) float64 {
	if limit <= 0 {
		return 100
	}
	pct := float64(used) / float64(limit) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// Usage is the state of one bucket as reported to callers.
type Usage struct {
	Kind         models.UsageKind `json:"kind"`
	Tier         Tier             `json:"tier,omitempty"`
	Period       string           `json:"period"`
	Used         int              `json:"used"`
	Limit        int              `json:"limit"`
	Remaining    int              `json:"remaining"`
	UsagePercent float64          `json:"usagePercent"`
	Warning      bool             `json:"warning"`
	ResetsAt     time.Time        `json:"resetsAt"`
}

func newUsage(counter models.UsageCounter, tier Tier, limit int, now time.Time) Usage {
	effective := limit + counter.Extra
	remaining := effective - counter.Used
	if remaining < 0 {
		remaining = 0
	}
	pct := UsagePercent(counter.Used, effective)
	return Usage{
		Kind:         counter.Bucket.Kind,
		Tier:         tier,
		Period:       counter.Bucket.Period,
		Used:         counter.Used,
		Limit:        effective,
		Remaining:    remaining,
		UsagePercent: pct,
		Warning:      pct >= WarningPercent,
		ResetsAt:     ResetsAt(counter.Bucket.Kind, now),
	}
}
