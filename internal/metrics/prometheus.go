package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "welfare_ai_cache_lookups_total",
		Help: "Response cache lookups by result (hit, miss, error).",
	}, []string{"result"})

	cacheLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "welfare_ai_cache_lookup_duration_seconds",
		Help:    "Latency of response cache lookups.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	})

	cacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "welfare_ai_cache_writes_total",
		Help: "Response cache writes by result (ok, error).",
	}, []string{"result"})

	quotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "welfare_ai_quota_decisions_total",
		Help: "Quota decisions by bucket kind and outcome.",
	}, []string{"kind", "outcome"})

	ledgerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "welfare_ai_quota_ledger_failures_total",
		Help: "Quota ledger storage failures by operation.",
	}, []string{"operation"})

	adminActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "welfare_ai_admin_actions_total",
		Help: "Administrative cache actions by action and outcome.",
	}, []string{"action", "outcome"})

	maintenanceRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "welfare_ai_maintenance_rows_deleted_total",
		Help: "Rows removed by maintenance jobs.",
	}, []string{"job"})

	aiCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "welfare_ai_call_duration_seconds",
		Help:    "End-to-end latency of AI requests as seen by the gateway.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "cache"})
)

func ObserveCacheLookup(result string, d time.Duration) {
	cacheLookups.WithLabelValues(result).Inc()
	cacheLookupDuration.Observe(d.Seconds())
}

func IncCacheWrite(result string) {
	cacheWrites.WithLabelValues(result).Inc()
}

func IncQuotaDecision(kind, outcome string) {
	quotaDecisions.WithLabelValues(kind, outcome).Inc()
}

func IncLedgerFailure(operation string) {
	ledgerFailures.WithLabelValues(operation).Inc()
}

func IncAdminAction(action, outcome string) {
	adminActions.WithLabelValues(action, outcome).Inc()
}

func AddMaintenanceRows(job string, n int64) {
	if n > 0 {
		maintenanceRows.WithLabelValues(job).Add(float64(n))
	}
}

func ObserveAICall(operation string, cacheHit bool, d time.Duration) {
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	aiCallDuration.WithLabelValues(operation, label).Observe(d.Seconds())
}
