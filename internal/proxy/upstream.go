package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/gateway"
)

const maxUpstreamBody = 4 << 20

var ErrInvalidResponse = errors.New("ai backend returned invalid JSON")

// StatusError is a non-2xx answer from the AI backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ai backend returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type UpstreamOptions struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// gjson paths into the backend response.
	TokensPath string
	CostPath   string
}

// Upstream calls the AI backend over HTTP. It implements gateway.Invoker.
type Upstream struct {
	url        string
	client     *http.Client
	executor   failsafe.Executor[*gateway.Invocation]
	tokensPath string
	costPath   string
	logger     *zap.Logger
}

func NewUpstream(opts UpstreamOptions, logger *zap.Logger) *Upstream {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = 10 * opts.BaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rp := retrypolicy.NewBuilder[*gateway.Invocation]().
		WithMaxRetries(opts.MaxRetries).
		WithBackoff(opts.BaseDelay, opts.MaxDelay).
		HandleIf(func(_ *gateway.Invocation, err error) bool {
			if err == nil || errors.Is(err, ErrInvalidResponse) {
				return false
			}
			var se *StatusError
			if errors.As(err, &se) {
				return se.retryable()
			}
			return !errors.Is(err, context.Canceled)
		}).
		ReturnLastFailure().
		Build()

	return &Upstream{
		url: opts.URL,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		executor:   failsafe.With[*gateway.Invocation](rp),
		tokensPath: opts.TokensPath,
		costPath:   opts.CostPath,
		logger:     logger.Named("upstream"),
	}
}

type upstreamRequest struct {
	PromptTemplateID string          `json:"promptTemplateId"`
	PromptVersion    string          `json:"promptVersion,omitempty"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	Operation        string          `json:"operation,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

func (u *Upstream) Invoke(ctx context.Context, req gateway.Request) (*gateway.Invocation, error) {
	body, err := json.Marshal(upstreamRequest{
		PromptTemplateID: req.PromptTemplateID,
		PromptVersion:    req.PromptVersion,
		Model:            req.Model,
		Provider:         req.Provider,
		Operation:        req.Operation,
		Payload:          req.Payload,
	})
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()

	attempt := 0
	return u.executor.WithContext(ctx).Get(func() (*gateway.Invocation, error) {
		attempt++
		if attempt > 1 {
			u.logger.Warn("retrying ai backend", zap.String("request_id", requestID), zap.Int("attempt", attempt))
		}
		return u.do(ctx, requestID, body)
	})
}

func (u *Upstream) do(ctx context.Context, requestID string, body []byte) (*gateway.Invocation, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidResponse
	}

	inv := &gateway.Invocation{Response: json.RawMessage(data)}
	if u.tokensPath != "" {
		inv.TokensUsed = int(gjson.GetBytes(data, u.tokensPath).Int())
	}
	if u.costPath != "" {
		inv.EstimatedCostUSD = gjson.GetBytes(data, u.costPath).Float()
	}
	return inv, nil
}
