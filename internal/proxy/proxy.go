// Package proxy serves the analysis API: it accepts scan requests, applies
// quota and the response cache through the gateway, and forwards misses to
// the AI backend.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/auth"
	"github.com/HanTheDev/welfare-ai-gateway/internal/gateway"
	"github.com/HanTheDev/welfare-ai-gateway/internal/quota"
)

const maxRequestBody = 1 << 20

type QuotaReader interface {
	Check(ctx context.Context, caller quota.Caller) quota.Decision
}

// ClientIPOptions controls how the anonymous caller's address is derived.
// Header is only read when the socket peer falls inside TrustedProxies.
type ClientIPOptions struct {
	Header         string
	TrustedProxies []netip.Prefix
}

type Handler struct {
	gateway *gateway.Gateway
	quota   QuotaReader
	invoker gateway.Invoker
	ipOpts  ClientIPOptions
	logger  *zap.Logger
}

func NewHandler(gw *gateway.Gateway, q QuotaReader, invoker gateway.Invoker, ipOpts ClientIPOptions, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gateway: gw,
		quota:   q,
		invoker: invoker,
		ipOpts:  ipOpts,
		logger:  logger.Named("proxy"),
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router, authMiddleware *auth.Middleware) {
	r := router.PathPrefix("/api/v1").Subrouter()
	r.Use(authMiddleware.Optional)

	r.HandleFunc("/analyze", h.Analyze).Methods("POST")
	r.HandleFunc("/quota", h.Quota).Methods("GET")
}

type analyzeRequest struct {
	PromptTemplateID string          `json:"promptTemplateId"`
	PromptVersion    string          `json:"promptVersion"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	Operation        string          `json:"operation"`
	Payload          json.RawMessage `json:"payload"`
}

// callerFrom identifies the request: the JWT subject when present, the
// client IP otherwise.
func (h *Handler) callerFrom(r *http.Request) quota.Caller {
	caller := quota.Caller{IP: h.clientIP(r)}
	if claims, ok := auth.GetClaimsFromContext(r.Context()); ok {
		caller.UserID = claims.UserID()
	}
	return caller
}

// clientIP returns the socket peer unless that peer is a trusted proxy, in
// which case the forwarding header is walked right to left and the first hop
// outside the trusted ranges wins.
func (h *Handler) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || h.ipOpts.Header == "" || !h.trusted(peer.Unmap()) {
		return host
	}

	hops := strings.Split(strings.Join(r.Header.Values(h.ipOpts.Header), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		addr = addr.Unmap()
		if !h.trusted(addr) {
			return addr.String()
		}
	}
	return host
}

func (h *Handler) trusted(addr netip.Addr) bool {
	for _, prefix := range h.ipOpts.TrustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var body analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	caller := h.callerFrom(r)
	res, err := h.gateway.Execute(r.Context(), gateway.Request{
		Caller:           caller,
		PromptTemplateID: body.PromptTemplateID,
		PromptVersion:    body.PromptVersion,
		Model:            body.Model,
		Provider:         body.Provider,
		Operation:        body.Operation,
		Payload:          body.Payload,
	}, h.invoker)

	if res != nil {
		setQuotaHeaders(w, res.Quota)
	}

	var exceeded *quota.ExceededError
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	case errors.As(err, &exceeded):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter(exceeded.Usage.ResetsAt)))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"success": false,
			"error":   denialMessage(exceeded.Reason),
			"code":    exceeded.Reason,
			"usage":   exceeded.Usage,
		})
		return
	case errors.Is(err, quota.ErrLedgerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Usage service unavailable, try again shortly", "QUOTA_UNAVAILABLE")
		return
	default:
		h.logger.Error("analysis failed",
			zap.String("user_id", caller.UserID),
			zap.String("model", body.Model),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "Analysis failed, please retry", "AI_UNAVAILABLE")
		return
	}

	status := "MISS"
	if res.CacheHit {
		status = "HIT"
	}
	w.Header().Set("X-Cache-Status", status)

	h.logger.Info("analysis served",
		zap.String("user_id", caller.UserID),
		zap.String("model", body.Model),
		zap.String("cache", status),
		zap.Int("tokens", res.TokensUsed),
		zap.Duration("elapsed", time.Since(startTime)))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"cacheHit":    res.CacheHit,
		"contentHash": res.ContentHash,
		"data":        res.Response,
		"quota":       res.Quota,
	})
}

func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	d := h.quota.Check(r.Context(), h.callerFrom(r))
	if d.Degraded && !d.Allowed {
		writeError(w, http.StatusServiceUnavailable, "Usage service unavailable, try again shortly", "QUOTA_UNAVAILABLE")
		return
	}
	setQuotaHeaders(w, d)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"quota":   d,
	})
}

func denialMessage(reason quota.Reason) string {
	switch reason {
	case quota.ReasonDailyLimit:
		return "Daily free scan limit reached. Sign in for more scans."
	case quota.ReasonMonthlyLimit:
		return "Monthly scan limit reached. Upgrade your plan for more scans."
	default:
		return "Too many requests this hour. Please wait and try again."
	}
}

func retryAfter(resetsAt time.Time) int {
	secs := int(math.Ceil(time.Until(resetsAt).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func setQuotaHeaders(w http.ResponseWriter, d quota.Decision) {
	if d.Degraded {
		// Degraded means admitted without accounting; a fail-closed denial
		// carries no quota headers.
		if d.Allowed {
			w.Header().Set("X-Quota-Degraded", "true")
		}
		return
	}
	u := d.Usage
	if d.Reason == quota.ReasonRateLimit && d.Hourly != nil {
		u = *d.Hourly
	}
	if u.Kind == "" {
		return
	}
	w.Header().Set("X-Quota-Limit", strconv.Itoa(u.Limit))
	w.Header().Set("X-Quota-Remaining", strconv.Itoa(u.Remaining))
	w.Header().Set("X-Quota-Reset", u.ResetsAt.Format(time.RFC3339))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	body := map[string]interface{}{
		"success": false,
		"error":   msg,
	}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}
