package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerPort  string

	LogLevel  string
	LogFormat string
	LogFile   string

	AIBackendURL string
	AITimeout    time.Duration
	AIMaxRetries int
	AITokensPath string
	AICostPath   string

	CacheTTL     time.Duration
	StoreTimeout time.Duration

	QuotaFailurePolicy string
	AnonDailyLimit     int
	FreeMonthlyLimit   int
	BasicMonthlyLimit  int
	ProMonthlyLimit    int
	ProHourlyLimit     int
	BasicProductIDs    []string
	ProProductIDs      []string
	TrustedProxyHeader string
	TrustedProxyCIDRs  []netip.Prefix

	ScanRetentionDays      int
	MetricsRetentionDays   int
	AnonUsageRetentionDays int
	MaintenanceInterval    time.Duration

	MetricsBatchSize     int
	MetricsFlushInterval time.Duration
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile:   getEnv("LOG_FILE", ""),

		AIBackendURL: getEnv("AI_BACKEND_URL", "http://localhost:9000/analyze"),
		AITokensPath: getEnv("AI_TOKENS_PATH", "usage.total_tokens"),
		AICostPath:   getEnv("AI_COST_PATH", "usage.estimated_cost_usd"),

		QuotaFailurePolicy: getEnv("QUOTA_FAILURE_POLICY", "open"),
		BasicProductIDs:    getEnvList("BASIC_PRODUCT_IDS"),
		ProProductIDs:      getEnvList("PRO_PRODUCT_IDS"),
		TrustedProxyHeader: getEnv("TRUSTED_PROXY_HEADER", ""),
	}

	var err error
	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"AI_MAX_RETRIES", 2, &cfg.AIMaxRetries},
		{"ANON_DAILY_LIMIT", 10, &cfg.AnonDailyLimit},
		{"FREE_MONTHLY_LIMIT", 10, &cfg.FreeMonthlyLimit},
		{"BASIC_MONTHLY_LIMIT", 200, &cfg.BasicMonthlyLimit},
		{"PRO_MONTHLY_LIMIT", 1000, &cfg.ProMonthlyLimit},
		{"PRO_HOURLY_LIMIT", 100, &cfg.ProHourlyLimit},
		{"SCAN_RETENTION_DAYS", 30, &cfg.ScanRetentionDays},
		{"METRICS_RETENTION_DAYS", 90, &cfg.MetricsRetentionDays},
		{"ANON_USAGE_RETENTION_DAYS", 30, &cfg.AnonUsageRetentionDays},
		{"METRICS_BATCH_SIZE", 100, &cfg.MetricsBatchSize},
	}
	for _, v := range ints {
		if *v.dst, err = getEnvInt(v.key, v.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"AI_TIMEOUT", 60 * time.Second, &cfg.AITimeout},
		{"CACHE_TTL", 7 * 24 * time.Hour, &cfg.CacheTTL},
		{"STORE_TIMEOUT", 2 * time.Second, &cfg.StoreTimeout},
		{"MAINTENANCE_INTERVAL", time.Hour, &cfg.MaintenanceInterval},
		{"METRICS_FLUSH_INTERVAL", 5 * time.Second, &cfg.MetricsFlushInterval},
	}
	for _, v := range durations {
		if *v.dst, err = getEnvDuration(v.key, v.def); err != nil {
			return nil, err
		}
	}

	for _, v := range getEnvList("TRUSTED_PROXY_CIDRS") {
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXY_CIDRS entry %q: %w", v, err)
		}
		cfg.TrustedProxyCIDRs = append(cfg.TrustedProxyCIDRs, prefix.Masked())
	}
	if cfg.TrustedProxyHeader != "" && len(cfg.TrustedProxyCIDRs) == 0 {
		return nil, fmt.Errorf("TRUSTED_PROXY_HEADER requires TRUSTED_PROXY_CIDRS")
	}

	switch cfg.QuotaFailurePolicy {
	case "open", "closed":
	default:
		return nil, fmt.Errorf("QUOTA_FAILURE_POLICY must be \"open\" or \"closed\", got %q", cfg.QuotaFailurePolicy)
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// getEnvDuration accepts Go duration strings ("90s", "24h") and bare
// integers, which are read as seconds.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
