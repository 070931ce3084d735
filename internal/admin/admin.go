package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/auth"
)

const maxBodyBytes = 64 << 10

type AdminHandler struct {
	svc    *Service
	auth   *auth.Middleware
	logger *zap.Logger
}

func NewAdminHandler(svc *Service, authMiddleware *auth.Middleware, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{svc: svc, auth: authMiddleware, logger: logger.Named("admin-http")}
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/admin").Subrouter()
	r.Use(h.auth.Authenticate)

	// Cache control
	r.HandleFunc("/cache", h.CacheAction).Methods("POST")
	r.HandleFunc("/cache/stats", h.GetCacheStats).Methods("GET")

	// Metrics and audit
	r.HandleFunc("/metrics/daily", h.GetDailyMetrics).Methods("GET")
	r.HandleFunc("/metrics/aggregate", h.AggregateMetrics).Methods("POST")
	r.HandleFunc("/audit", h.GetAuditLog).Methods("GET")
}

func actorFrom(r *http.Request) string {
	if claims, ok := auth.GetClaimsFromContext(r.Context()); ok {
		return claims.UserID()
	}
	return ""
}

func (h *AdminHandler) CacheAction(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.svc.Execute(r.Context(), actorFrom(r), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), actorFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

func (h *AdminHandler) GetDailyMetrics(w http.ResponseWriter, r *http.Request) {
	// from / to are YYYY-MM-DD; defaults cover the last seven days.
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	rows, err := h.svc.DailyMetrics(r.Context(), actorFrom(r), from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"metrics": rows,
	})
}

func (h *AdminHandler) AggregateMetrics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	rows, err := h.svc.Aggregate(r.Context(), actorFrom(r), req.Date)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"groups":  len(rows),
		"metrics": rows,
	})
}

func (h *AdminHandler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.svc.AuditLog(r.Context(), actorFrom(r), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"entries": entries,
	})
}

func (h *AdminHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	default:
		h.logger.Error("admin request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
