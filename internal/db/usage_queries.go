package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

// usageTable maps a bucket kind onto its counter table.
type usageTable struct {
	name       string
	identity   string
	period     string
	periodType string
	used       string
	extra      string // empty when the table has no add-on column
}

var usageTables = map[models.UsageKind]usageTable{
	models.UsageAnonymous: {name: "anonymous_usage", identity: "ip_address", period: "usage_date", periodType: "date", used: "scans_used"},
	models.UsageMonthly:   {name: "monthly_usage", identity: "user_id", period: "month_year", periodType: "text", used: "scans_used", extra: "additional_scans_purchased"},
	models.UsageHourly:    {name: "hourly_usage", identity: "user_id", period: "hour_timestamp", periodType: "timestamptz", used: "request_count"},
}

func tableFor(kind models.UsageKind) (usageTable, error) {
	t, ok := usageTables[kind]
	if !ok {
		return usageTable{}, fmt.Errorf("unknown usage kind %q", kind)
	}
	return t, nil
}

func (t usageTable) extraExpr() string {
	if t.extra == "" {
		return "0"
	}
	return t.extra
}

// GetUsage returns the counter for bucket, or a zero counter if the bucket
// has not been used yet.
func (db *DB) GetUsage(ctx context.Context, bucket models.UsageBucket) (models.UsageCounter, error) {
	counter := models.UsageCounter{Bucket: bucket}
	t, err := tableFor(bucket.Kind)
	if err != nil {
		return counter, err
	}

	query := fmt.Sprintf(`
        SELECT %s, %s FROM %s WHERE %s = $1 AND %s = $2::%s
    `, t.used, t.extraExpr(), t.name, t.identity, t.period, t.periodType)

	err = db.Pool.QueryRow(ctx, query, bucket.Identity, bucket.Period).Scan(&counter.Used, &counter.Extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return counter, nil
	}
	return counter, err
}

// ConsumeUsage increments the bucket by one only while used < limit + extra,
// creating the row on first use. The check and the increment are a single
// statement, so concurrent callers neither lose updates nor over-admit.
func (db *DB) ConsumeUsage(ctx context.Context, bucket models.UsageBucket, limit int) (models.UsageCounter, bool, error) {
	t, err := tableFor(bucket.Kind)
	if err != nil {
		return models.UsageCounter{Bucket: bucket}, false, err
	}
	if limit <= 0 {
		counter, err := db.GetUsage(ctx, bucket)
		return counter, false, err
	}

	query := fmt.Sprintf(`
        INSERT INTO %[1]s (%[2]s, %[3]s, %[4]s)
        VALUES ($1, $2::%[5]s, 1)
        ON CONFLICT (%[2]s, %[3]s) DO UPDATE
        SET %[4]s = %[1]s.%[4]s + 1, updated_at = NOW()
        WHERE %[1]s.%[4]s < $3 + %[6]s
        RETURNING %[4]s, %[7]s
    `, t.name, t.identity, t.period, t.used, t.periodType, qualifiedExtra(t), t.extraExpr())

	counter := models.UsageCounter{Bucket: bucket}
	err = db.Pool.QueryRow(ctx, query, bucket.Identity, bucket.Period, limit).Scan(&counter.Used, &counter.Extra)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict row exists but is already at its limit.
		counter, err = db.GetUsage(ctx, bucket)
		return counter, false, err
	}
	if err != nil {
		return counter, false, err
	}
	return counter, true, nil
}

func qualifiedExtra(t usageTable) string {
	if t.extra == "" {
		return "0"
	}
	return t.name + "." + t.extra
}

func (db *DB) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `
        SELECT user_id, product_id, status, updated_at
        FROM subscriptions
        WHERE user_id = $1
        ORDER BY updated_at DESC
        LIMIT 1
    `

	var sub models.Subscription
	err := db.Pool.QueryRow(ctx, query, userID).Scan(&sub.UserID, &sub.ProductID, &sub.Status, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (db *DB) DeleteAnonymousUsageBefore(ctx context.Context, beforeDay string) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM anonymous_usage WHERE usage_date < $1::date`, beforeDay)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
