// Package admin exposes cache invalidation and metrics inspection to
// operators holding the admin role. Every mutating action is written to an
// append-only audit log.
package admin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/metrics"
	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

const (
	RoleAdmin = "admin"

	maxParamLen     = 256
	defaultAuditMax = 50
	maxAuditLimit   = 500
)

var (
	ErrForbidden      = errors.New("admin role required")
	ErrInvalidRequest = errors.New("invalid admin request")
)

type Action string

const (
	ActionFlushAll           Action = "flush_all"
	ActionInvalidateByPrompt Action = "invalidate_by_prompt"
	ActionInvalidateByModel  Action = "invalidate_by_model"
	ActionInvalidateByKey    Action = "invalidate_by_key"
	ActionAggregateMetrics   Action = "aggregate_metrics"
)

var cacheKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

type Request struct {
	Action           Action `json:"action"`
	PromptTemplateID string `json:"promptTemplateId,omitempty"`
	PromptVersion    string `json:"promptVersion,omitempty"`
	Model            string `json:"model,omitempty"`
	CacheKey         string `json:"cacheKey,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Validate checks the request shape without touching storage.
func (r Request) Validate() error {
	for name, v := range map[string]string{
		"promptTemplateId": r.PromptTemplateID,
		"promptVersion":    r.PromptVersion,
		"model":            r.Model,
		"cacheKey":         r.CacheKey,
	} {
		if len(v) > maxParamLen {
			return invalid("%s exceeds %d characters", name, maxParamLen)
		}
	}

	switch r.Action {
	case ActionFlushAll:
	case ActionInvalidateByPrompt:
		if r.PromptTemplateID == "" {
			return invalid("promptTemplateId is required for %s", r.Action)
		}
	case ActionInvalidateByModel:
		if r.Model == "" {
			return invalid("model is required for %s", r.Action)
		}
	case ActionInvalidateByKey:
		if !cacheKeyPattern.MatchString(r.CacheKey) {
			return invalid("cacheKey must be 64 lowercase hex characters")
		}
	case "":
		return invalid("action is required")
	default:
		return invalid("unknown action %q", r.Action)
	}
	return nil
}

func (r Request) params() map[string]string {
	p := make(map[string]string)
	for k, v := range map[string]string{
		"promptTemplateId": r.PromptTemplateID,
		"promptVersion":    r.PromptVersion,
		"model":            r.Model,
		"cacheKey":         r.CacheKey,
	} {
		if v != "" {
			p[k] = v
		}
	}
	return p
}

type Result struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DeletedCount int64  `json:"deletedCount"`
}

type Cache interface {
	InvalidateAll(ctx context.Context) (int64, error)
	InvalidateByPrompt(ctx context.Context, templateID, version string) (int64, error)
	InvalidateByModel(ctx context.Context, model string) (int64, error)
	InvalidateByKey(ctx context.Context, contentHash string) (bool, error)
	Stats(ctx context.Context) (*models.CacheStats, error)
}

type Store interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

type Rollups interface {
	AggregateDaily(ctx context.Context, date string) ([]models.DailyMetricsRollup, error)
	ListDaily(ctx context.Context, from, to string) ([]models.DailyMetricsRollup, error)
}

type Service struct {
	cache   Cache
	store   Store
	rollups Rollups
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(cache Cache, store Store, rollups Rollups, logger *zap.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cache: cache, store: store, rollups: rollups, logger: logger.Named("admin"), now: now}
}

// Authorize returns ErrForbidden unless actorID holds the admin role.
func (s *Service) Authorize(ctx context.Context, actorID string) error {
	if actorID == "" {
		return ErrForbidden
	}
	ok, err := s.store.HasRole(ctx, actorID, RoleAdmin)
	if err != nil {
		return fmt.Errorf("check admin role: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// Execute validates, authorizes and runs a cache action, then records it in
// the audit log. A failed audit write is logged but does not fail the
// action, which has already taken effect.
func (s *Service) Execute(ctx context.Context, actorID string, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		metrics.IncAdminAction(string(req.Action), "invalid")
		return nil, err
	}
	if err := s.Authorize(ctx, actorID); err != nil {
		metrics.IncAdminAction(string(req.Action), "forbidden")
		return nil, err
	}

	res, err := s.dispatch(ctx, req)
	if err != nil {
		metrics.IncAdminAction(string(req.Action), "error")
		s.logger.Error("admin action failed",
			zap.String("actor_id", actorID),
			zap.String("action", string(req.Action)),
			zap.Error(err))
		return nil, err
	}

	metrics.IncAdminAction(string(req.Action), "ok")
	s.logger.Info("admin action executed",
		zap.String("actor_id", actorID),
		zap.String("action", string(req.Action)),
		zap.Any("params", req.params()),
		zap.Int64("deleted", res.DeletedCount))
	s.audit(ctx, actorID, req.Action, req.params())
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, req Request) (*Result, error) {
	switch req.Action {
	case ActionFlushAll:
		n, err := s.cache.InvalidateAll(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Success: true, Message: fmt.Sprintf("Flushed %d cache entries", n), DeletedCount: n}, nil

	case ActionInvalidateByPrompt:
		n, err := s.cache.InvalidateByPrompt(ctx, req.PromptTemplateID, req.PromptVersion)
		if err != nil {
			return nil, err
		}
		scope := req.PromptTemplateID
		if req.PromptVersion != "" {
			scope += "@" + req.PromptVersion
		}
		return &Result{Success: true, Message: fmt.Sprintf("Invalidated %d entries for prompt %s", n, scope), DeletedCount: n}, nil

	case ActionInvalidateByModel:
		n, err := s.cache.InvalidateByModel(ctx, req.Model)
		if err != nil {
			return nil, err
		}
		return &Result{Success: true, Message: fmt.Sprintf("Invalidated %d entries for model %s", n, req.Model), DeletedCount: n}, nil

	case ActionInvalidateByKey:
		found, err := s.cache.InvalidateByKey(ctx, req.CacheKey)
		if err != nil {
			return nil, err
		}
		if !found {
			return &Result{Success: true, Message: "Cache entry not found"}, nil
		}
		return &Result{Success: true, Message: "Cache entry invalidated", DeletedCount: 1}, nil
	}
	return nil, invalid("unknown action %q", req.Action)
}

// Aggregate rebuilds the rollup for date (empty for yesterday) on behalf of
// an admin.
func (s *Service) Aggregate(ctx context.Context, actorID, date string) ([]models.DailyMetricsRollup, error) {
	if date != "" {
		if _, err := time.Parse(metrics.DateLayout, date); err != nil {
			return nil, invalid("date must be YYYY-MM-DD")
		}
	}
	if err := s.Authorize(ctx, actorID); err != nil {
		return nil, err
	}

	rows, err := s.rollups.AggregateDaily(ctx, date)
	if err != nil {
		metrics.IncAdminAction(string(ActionAggregateMetrics), "error")
		return nil, err
	}
	metrics.IncAdminAction(string(ActionAggregateMetrics), "ok")

	params := map[string]string{}
	if date != "" {
		params["date"] = date
	}
	s.audit(ctx, actorID, ActionAggregateMetrics, params)
	return rows, nil
}

func (s *Service) Stats(ctx context.Context, actorID string) (*models.CacheStats, error) {
	if err := s.Authorize(ctx, actorID); err != nil {
		return nil, err
	}
	return s.cache.Stats(ctx)
}

func (s *Service) DailyMetrics(ctx context.Context, actorID, from, to string) ([]models.DailyMetricsRollup, error) {
	if err := s.Authorize(ctx, actorID); err != nil {
		return nil, err
	}
	if to == "" {
		to = s.now().UTC().Format(metrics.DateLayout)
	}
	end, err := time.Parse(metrics.DateLayout, to)
	if err != nil {
		return nil, invalid("to must be YYYY-MM-DD")
	}
	if from == "" {
		from = end.AddDate(0, 0, -6).Format(metrics.DateLayout)
	}
	start, err := time.Parse(metrics.DateLayout, from)
	if err != nil {
		return nil, invalid("from must be YYYY-MM-DD")
	}
	if start.After(end) {
		return nil, invalid("from is after to")
	}

	return s.rollups.ListDaily(ctx, from, to)
}

func (s *Service) AuditLog(ctx context.Context, actorID string, limit int) ([]models.AuditEntry, error) {
	if err := s.Authorize(ctx, actorID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultAuditMax
	case limit > maxAuditLimit:
		limit = maxAuditLimit
	}
	return s.store.ListAuditEntries(ctx, limit)
}

func (s *Service) audit(ctx context.Context, actorID string, action Action, params map[string]string) {
	entry := &models.AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Action:    string(action),
		Params:    params,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertAuditEntry(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry",
			zap.String("actor_id", actorID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}
