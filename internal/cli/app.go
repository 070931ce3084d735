package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/admin"
	"github.com/HanTheDev/welfare-ai-gateway/internal/auth"
	"github.com/HanTheDev/welfare-ai-gateway/internal/cache"
	"github.com/HanTheDev/welfare-ai-gateway/internal/config"
	"github.com/HanTheDev/welfare-ai-gateway/internal/db"
	"github.com/HanTheDev/welfare-ai-gateway/internal/gateway"
	"github.com/HanTheDev/welfare-ai-gateway/internal/maintenance"
	"github.com/HanTheDev/welfare-ai-gateway/internal/metrics"
	"github.com/HanTheDev/welfare-ai-gateway/internal/proxy"
	"github.com/HanTheDev/welfare-ai-gateway/internal/quota"
	"github.com/HanTheDev/welfare-ai-gateway/internal/ratelimit"
)

// app is the fully wired service. One-shot commands use the parts they
// need and never start the recorder or the scheduler.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store      db.Store
	limiter    *ratelimit.RateLimiter
	cache      *cache.Cache
	ledger     *quota.Ledger
	recorder   *metrics.Recorder
	aggregator *metrics.Aggregator
	runner     *maintenance.Runner
	scheduler  *maintenance.Scheduler
	router     *mux.Router
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	// Pro hourly buckets live in Redis when it is configured, in the
	// database otherwise.
	var hourly quota.Counter
	if cfg.RedisURL != "" {
		limiter, err := ratelimit.NewRateLimiter(cfg.RedisURL)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err = limiter.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("redis unreachable at startup, hourly limits follow the quota failure policy", zap.Error(err))
		}
		a.limiter = limiter
		hourly = limiter
	}

	failure, err := quota.ParseFailurePolicy(cfg.QuotaFailurePolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.cache = cache.New(store, logger, cache.Options{TTL: cfg.CacheTTL, Timeout: cfg.StoreTimeout})
	a.ledger = quota.NewLedger(store, store, logger, quota.Options{
		Policy:  policyFrom(cfg),
		Failure: failure,
		Hourly:  hourly,
		Timeout: cfg.StoreTimeout,
	})
	a.recorder = metrics.NewRecorder(store, logger, metrics.RecorderOptions{
		BatchSize:     cfg.MetricsBatchSize,
		FlushInterval: cfg.MetricsFlushInterval,
	})
	a.aggregator = metrics.NewAggregator(store, logger, nil)
	a.runner = maintenance.NewRunner(a.cache, store, maintenance.Retention{
		ScanDays:      cfg.ScanRetentionDays,
		MetricsDays:   cfg.MetricsRetentionDays,
		AnonUsageDays: cfg.AnonUsageRetentionDays,
	}, logger, nil)
	a.scheduler = maintenance.NewScheduler(a.runner, a.aggregator, cfg.MaintenanceInterval, logger)
	a.router = a.routes()
	return a, nil
}

func policyFrom(cfg *config.Config) quota.Policy {
	return quota.Policy{
		AnonDailyLimit: cfg.AnonDailyLimit,
		MonthlyLimits: map[quota.Tier]int{
			quota.TierFree:  cfg.FreeMonthlyLimit,
			quota.TierBasic: cfg.BasicMonthlyLimit,
			quota.TierPro:   cfg.ProMonthlyLimit,
		},
		ProHourlyLimit:  cfg.ProHourlyLimit,
		BasicProductIDs: cfg.BasicProductIDs,
		ProProductIDs:   cfg.ProProductIDs,
	}
}

func (a *app) routes() *mux.Router {
	router := mux.NewRouter()
	authMiddleware := auth.NewMiddleware(a.cfg.JWTSecret)

	router.HandleFunc("/health", a.health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	svc := admin.NewService(a.cache, a.store, a.aggregator, a.logger, nil)
	admin.NewAdminHandler(svc, authMiddleware, a.logger).RegisterRoutes(router)

	gw := gateway.New(a.ledger, a.cache, a.recorder, a.logger)
	upstream := proxy.NewUpstream(proxy.UpstreamOptions{
		URL:        a.cfg.AIBackendURL,
		Timeout:    a.cfg.AITimeout,
		MaxRetries: a.cfg.AIMaxRetries,
		TokensPath: a.cfg.AITokensPath,
		CostPath:   a.cfg.AICostPath,
	}, a.logger)
	proxy.NewHandler(gw, a.ledger, upstream, proxy.ClientIPOptions{
		Header:         a.cfg.TrustedProxyHeader,
		TrustedProxies: a.cfg.TrustedProxyCIDRs,
	}, a.logger).RegisterRoutes(router, authMiddleware)

	return router
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{
		"status":  "healthy",
		"version": Version,
	}
	if a.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := a.limiter.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

func (a *app) Close() {
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			a.logger.Warn("closing redis", zap.Error(err))
		}
	}
	a.store.Close()
}
