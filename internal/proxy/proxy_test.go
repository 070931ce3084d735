package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/auth"
	"github.com/HanTheDev/welfare-ai-gateway/internal/cache"
	"github.com/HanTheDev/welfare-ai-gateway/internal/db"
	"github.com/HanTheDev/welfare-ai-gateway/internal/gateway"
	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
	"github.com/HanTheDev/welfare-ai-gateway/internal/quota"
)

const (
	secret      = "proxy-test-secret"
	backendBody = `{"result":{"welfare_score":3},"usage":{"total_tokens":321,"estimated_cost_usd":0.0012}}`
	scanBody    = `{"promptTemplateId":"ingredient_analysis","promptVersion":"v3","model":"gpt-x","provider":"openai","payload":{"ingredients":"eggs"}}`
)

type recorded struct {
	records []models.AiUsageMetric
}

func (r *recorded) Record(m models.AiUsageMetric) { r.records = append(r.records, m) }

type stack struct {
	router   *mux.Router
	store    *db.MemoryDB
	recorder *recorded
}

type stackOptions struct {
	counter quota.Counter
	failure quota.FailurePolicy
	ipOpts  ClientIPOptions
}

func newStack(t *testing.T, backendURL string) *stack {
	return newStackWith(t, backendURL, stackOptions{})
}

func newStackWith(t *testing.T, backendURL string, opts stackOptions) *stack {
	t.Helper()
	store := db.NewMemoryDB()
	rec := &recorded{}
	var counter quota.Counter = store
	if opts.counter != nil {
		counter = opts.counter
	}
	ledger := quota.NewLedger(counter, store, zap.NewNop(), quota.Options{Failure: opts.failure})
	c := cache.New(store, zap.NewNop(), cache.Options{TTL: time.Hour})
	gw := gateway.New(ledger, c, rec, zap.NewNop())
	up := NewUpstream(UpstreamOptions{
		URL:        backendURL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		TokensPath: "usage.total_tokens",
		CostPath:   "usage.estimated_cost_usd",
	}, zap.NewNop())

	router := mux.NewRouter()
	NewHandler(gw, ledger, up, opts.ipOpts, zap.NewNop()).RegisterRoutes(router, auth.NewMiddleware(secret))
	return &stack{router: router, store: store, recorder: rec}
}

func backend(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func (s *stack) post(body, ip, bearer string) *httptest.ResponseRecorder {
	return s.postForwarded(body, ip, bearer, "")
}

func (s *stack) postForwarded(body, ip, bearer, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(body))
	req.RemoteAddr = ip + ":51234"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeMissThenHit(t *testing.T) {
	srv, calls := backend(t, func(w http.ResponseWriter, r *http.Request) {
		var got map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "gpt-x", got["model"])
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write([]byte(backendBody))
	})
	s := newStack(t, srv.URL)

	first := s.post(scanBody, "1.2.3.4", "")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, "MISS", first.Header().Get("X-Cache-Status"))
	assert.Equal(t, "9", first.Header().Get("X-Quota-Remaining"))

	second := s.post(scanBody, "1.2.3.4", "")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache-Status"))
	assert.Equal(t, "8", second.Header().Get("X-Quota-Remaining"))
	assert.EqualValues(t, 1, calls.Load())

	var out struct {
		Success  bool            `json:"success"`
		CacheHit bool            `json:"cacheHit"`
		Data     json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &out))
	assert.True(t, out.CacheHit)
	assert.JSONEq(t, backendBody, string(out.Data))

	require.Len(t, s.recorder.records, 2)
	assert.Equal(t, 321, s.recorder.records[0].TokensUsed)
	assert.InDelta(t, 0.0012, s.recorder.records[0].EstimatedCostUSD, 1e-9)
}

func TestAnalyzeRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv, calls := backend(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(backendBody))
	})
	s := newStack(t, srv.URL)

	rec := s.post(scanBody, "1.2.3.4", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, calls.Load())
}

func TestAnalyzeDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := backend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad prompt", http.StatusBadRequest)
	})
	s := newStack(t, srv.URL)

	rec := s.post(scanBody, "1.2.3.4", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.EqualValues(t, 1, calls.Load())
	assert.Contains(t, rec.Body.String(), "AI_UNAVAILABLE")
}

func TestAnalyzeQuotaExceeded(t *testing.T) {
	srv, _ := backend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(backendBody))
	})
	s := newStack(t, srv.URL)

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, s.post(scanBody, "1.2.3.4", "").Code)
	}
	rec := s.post(scanBody, "1.2.3.4", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-Quota-Remaining"))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "DAILY_LIMIT_REACHED", out["code"])

	assert.Equal(t, http.StatusOK, s.post(scanBody, "5.6.7.8", "").Code, "other IPs are unaffected")
}

func TestAnalyzeAuthenticatedUsesMonthlyBucket(t *testing.T) {
	srv, _ := backend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(backendBody))
	})
	s := newStack(t, srv.URL)
	s.store.SetSubscription(models.Subscription{UserID: "user-7", ProductID: "basic", Status: "active"})
	tok, err := auth.GenerateToken("user-7", "", secret, time.Hour)
	require.NoError(t, err)

	rec := s.post(scanBody, "1.2.3.4", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "199", rec.Header().Get("X-Quota-Remaining"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	qrec := httptest.NewRecorder()
	s.router.ServeHTTP(qrec, req)
	require.Equal(t, http.StatusOK, qrec.Code)

	var out struct {
		Quota quota.Decision `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(qrec.Body.Bytes(), &out))
	assert.Equal(t, quota.TierBasic, out.Quota.Usage.Tier)
	assert.Equal(t, 1, out.Quota.Usage.Used)
	assert.Equal(t, 200, out.Quota.Usage.Limit)
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	s := newStack(t, "http://127.0.0.1:1")

	assert.Equal(t, http.StatusBadRequest, s.post(`{"model":`, "1.2.3.4", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.post(`{"model":"gpt-x","payload":{}}`, "1.2.3.4", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.post(scanBody, "1.2.3.4", "not-a-jwt").Code)
}

func TestClientIP(t *testing.T) {
	h := &Handler{ipOpts: ClientIPOptions{
		Header:         "X-Forwarded-For",
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}}

	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{name: "no header", remote: "10.0.0.1:443", want: "10.0.0.1"},
		{name: "untrusted peer ignores header", remote: "1.2.3.4:443", forwarded: "198.51.100.7", want: "1.2.3.4"},
		{name: "trusted peer", remote: "10.0.0.1:443", forwarded: "203.0.113.9", want: "203.0.113.9"},
		{name: "rightmost untrusted hop wins", remote: "10.0.0.1:443", forwarded: "1.1.1.1, 203.0.113.9, 10.0.0.5", want: "203.0.113.9"},
		{name: "garbage hop", remote: "10.0.0.1:443", forwarded: "garbage", want: "10.0.0.1"},
		{name: "all hops trusted", remote: "10.0.0.1:443", forwarded: "10.1.1.1", want: "10.0.0.1"},
		{name: "mapped v4 peer", remote: "[::ffff:10.0.0.1]:443", forwarded: "203.0.113.9", want: "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, h.clientIP(req))
		})
	}

	bare := &Handler{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	assert.Equal(t, "1.2.3.4", bare.clientIP(req), "no header configured means the socket address")
}

func TestForgedForwardedForCannotResetAnonymousQuota(t *testing.T) {
	srv, _ := backend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(backendBody))
	})
	s := newStackWith(t, srv.URL, stackOptions{ipOpts: ClientIPOptions{
		Header:         "X-Forwarded-For",
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}})

	for i := 0; i < 10; i++ {
		rec := s.postForwarded(scanBody, "1.2.3.4", "", "198.51.100."+strconv.Itoa(i))
		require.Equal(t, http.StatusOK, rec.Code, "scan %d", i+1)
	}
	rec := s.postForwarded(scanBody, "1.2.3.4", "", "198.51.100.200")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	u, err := s.store.GetUsage(context.Background(), models.UsageBucket{
		Kind:     models.UsageAnonymous,
		Identity: "1.2.3.4",
		Period:   time.Now().UTC().Format("2006-01-02"),
	})
	require.NoError(t, err)
	assert.Equal(t, 10, u.Used)
}

type downCounter struct {
	*db.MemoryDB
}

var errLedgerDown = errors.New("ledger down")

func (downCounter) GetUsage(context.Context, models.UsageBucket) (models.UsageCounter, error) {
	return models.UsageCounter{}, errLedgerDown
}

func (downCounter) ConsumeUsage(context.Context, models.UsageBucket, int) (models.UsageCounter, bool, error) {
	return models.UsageCounter{}, false, errLedgerDown
}

func TestDegradedHeaderOnlyWhenAdmitted(t *testing.T) {
	srv, calls := backend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(backendBody))
	})

	t.Run("fail closed", func(t *testing.T) {
		s := newStackWith(t, srv.URL, stackOptions{counter: downCounter{db.NewMemoryDB()}, failure: quota.FailClosed})
		rec := s.post(scanBody, "1.2.3.4", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "QUOTA_UNAVAILABLE")
		assert.Empty(t, rec.Header().Get("X-Quota-Degraded"))
		assert.Empty(t, rec.Header().Get("X-Quota-Remaining"))
		assert.EqualValues(t, 0, calls.Load())
	})

	t.Run("fail open", func(t *testing.T) {
		s := newStackWith(t, srv.URL, stackOptions{counter: downCounter{db.NewMemoryDB()}, failure: quota.FailOpen})
		rec := s.post(scanBody, "1.2.3.4", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "true", rec.Header().Get("X-Quota-Degraded"))
		assert.Empty(t, rec.Header().Get("X-Quota-Remaining"))
	})
}

func TestUpstreamInvalidJSONIsNotRetried(t *testing.T) {
	srv, calls := backend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>oops</html>"))
	})
	up := NewUpstream(UpstreamOptions{URL: srv.URL, MaxRetries: 3, BaseDelay: time.Millisecond}, nil)

	_, err := up.Invoke(context.Background(), gateway.Request{Model: "gpt-x", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.EqualValues(t, 1, calls.Load())
}
