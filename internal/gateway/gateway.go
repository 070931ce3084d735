// Package gateway wraps an AI call with quota accounting, the response
// cache and usage recording.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/cache"
	"github.com/HanTheDev/welfare-ai-gateway/internal/metrics"
	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
	"github.com/HanTheDev/welfare-ai-gateway/internal/quota"
)

var ErrInvalidRequest = errors.New("invalid analysis request")

type Request struct {
	Caller           quota.Caller
	PromptTemplateID string
	PromptVersion    string
	Model            string
	Provider         string
	Operation        string
	Payload          json.RawMessage
}

func (r Request) validate() error {
	switch {
	case r.PromptTemplateID == "":
		return fmt.Errorf("%w: promptTemplateId is required", ErrInvalidRequest)
	case r.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	case r.Provider == "":
		return fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	case len(r.Payload) == 0:
		return fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	}
	return nil
}

// Invocation is what the model provider returned.
type Invocation struct {
	Response         json.RawMessage
	TokensUsed       int
	EstimatedCostUSD float64
}

type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Invocation, error)
}

type InvokerFunc func(ctx context.Context, req Request) (*Invocation, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Invocation, error) {
	return f(ctx, req)
}

type Ledger interface {
	CheckAndConsume(ctx context.Context, caller quota.Caller) quota.Decision
}

type ResponseCache interface {
	Get(ctx context.Context, contentHash string) (*models.CacheEntry, bool)
	Put(ctx context.Context, entry *models.CacheEntry)
}

type UsageRecorder interface {
	Record(m models.AiUsageMetric)
}

type Result struct {
	Response         json.RawMessage
	ContentHash      string
	CacheHit         bool
	TokensUsed       int
	LatencyMs        int
	EstimatedCostUSD float64
	Quota            quota.Decision
}

type Gateway struct {
	ledger   Ledger
	cache    ResponseCache
	recorder UsageRecorder
	logger   *zap.Logger
}

func New(ledger Ledger, c ResponseCache, recorder UsageRecorder, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{ledger: ledger, cache: c, recorder: recorder, logger: logger.Named("gateway")}
}

// Execute spends one unit of the caller's quota, then answers from the cache
// or the invoker. Cache hits are charged like misses. The unit is not
// returned when the invoker fails.
func (g *Gateway) Execute(ctx context.Context, req Request, inv Invoker) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Operation == "" {
		req.Operation = req.PromptTemplateID
	}

	decision := g.ledger.CheckAndConsume(ctx, req.Caller)
	if !decision.Allowed {
		return &Result{Quota: decision}, decision.Err()
	}

	hash := cache.BuildKey(cache.KeyInput{
		PromptTemplateID: req.PromptTemplateID,
		PromptVersion:    req.PromptVersion,
		Model:            req.Model,
		Provider:         req.Provider,
		Payload:          req.Payload,
	})

	start := time.Now()
	if entry, ok := g.cache.Get(ctx, hash); ok {
		elapsed := time.Since(start)
		res := &Result{
			Response:    entry.ResponseData,
			ContentHash: hash,
			CacheHit:    true,
			LatencyMs:   int(elapsed.Milliseconds()),
			Quota:       decision,
		}
		g.record(req, res)
		metrics.ObserveAICall(req.Operation, true, elapsed)
		return res, nil
	}

	out, err := inv.Invoke(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		g.logger.Warn("ai invocation failed",
			zap.String("model", req.Model),
			zap.String("operation", req.Operation),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return &Result{ContentHash: hash, Quota: decision}, fmt.Errorf("invoke %s/%s: %w", req.Provider, req.Model, err)
	}

	res := &Result{
		Response:         out.Response,
		ContentHash:      hash,
		TokensUsed:       out.TokensUsed,
		LatencyMs:        int(elapsed.Milliseconds()),
		EstimatedCostUSD: out.EstimatedCostUSD,
		Quota:            decision,
	}

	g.cache.Put(ctx, &models.CacheEntry{
		ContentHash:      hash,
		ResponseData:     out.Response,
		Model:            req.Model,
		Provider:         req.Provider,
		PromptTemplateID: req.PromptTemplateID,
		PromptVersion:    req.PromptVersion,
		TokensUsed:       out.TokensUsed,
		LatencyMs:        res.LatencyMs,
	})
	g.record(req, res)
	metrics.ObserveAICall(req.Operation, false, elapsed)
	return res, nil
}

func (g *Gateway) record(req Request, res *Result) {
	if g.recorder == nil {
		return
	}
	g.recorder.Record(models.AiUsageMetric{
		Provider:         req.Provider,
		Model:            req.Model,
		Operation:        req.Operation,
		TokensUsed:       res.TokensUsed,
		LatencyMs:        res.LatencyMs,
		CacheHit:         res.CacheHit,
		EstimatedCostUSD: res.EstimatedCostUSD,
		CreatedAt:        time.Now().UTC(),
	})
}
