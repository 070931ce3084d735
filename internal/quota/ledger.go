// Package quota decides whether a caller may spend one unit of AI analysis
// and keeps the per-identity usage counters.
package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/metrics"
	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

// Counter stores usage buckets. ConsumeUsage must increment only while
// used < limit + extra and report whether it did, in one atomic step.
type Counter interface {
	GetUsage(ctx context.Context, bucket models.UsageBucket) (models.UsageCounter, error)
	ConsumeUsage(ctx context.Context, bucket models.UsageBucket, limit int) (models.UsageCounter, bool, error)
}

type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// FailurePolicy decides what happens when the ledger cannot be reached.
type FailurePolicy string

const (
	// FailOpen admits the request and logs the failure at error level.
	FailOpen FailurePolicy = "open"
	// FailClosed denies the request with ErrLedgerUnavailable.
	FailClosed FailurePolicy = "closed"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case FailOpen, FailClosed:
		return FailurePolicy(s), nil
	case "":
		return FailOpen, nil
	}
	return "", fmt.Errorf("unknown quota failure policy %q", s)
}

type Options struct {
	Policy  Policy
	Failure FailurePolicy
	// Hourly stores the pro hourly buckets. Defaults to the main counter.
	Hourly  Counter
	Timeout time.Duration
	Now     func() time.Time
}

type Ledger struct {
	counter Counter
	hourly  Counter
	subs    SubscriptionStore
	policy  Policy
	failure FailurePolicy
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewLedger(counter Counter, subs SubscriptionStore, logger *zap.Logger, opts Options) *Ledger {
	if opts.Hourly == nil {
		opts.Hourly = counter
	}
	if opts.Failure == "" {
		opts.Failure = FailOpen
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy.MonthlyLimits == nil {
		opts.Policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		counter: counter,
		hourly:  opts.Hourly,
		subs:    subs,
		policy:  opts.Policy,
		failure: opts.Failure,
		timeout: opts.Timeout,
		now:     opts.Now,
		logger:  logger.Named("quota"),
	}
	if l.failure == FailOpen {
		l.logger.Warn("quota ledger fails open: storage errors admit requests")
	}
	return l
}

// Decision is the outcome of a quota check. Usage describes the daily or
// monthly bucket; Hourly is set for pro callers.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Usage    Usage  `json:"usage"`
	Hourly   *Usage `json:"hourly,omitempty"`
	Reason   Reason `json:"reason,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Err converts a denial into an error: *ExceededError when a limit was hit,
// ErrLedgerUnavailable when the ledger failed closed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == "" {
		return ErrLedgerUnavailable
	}
	usage := d.Usage
	if d.Reason == ReasonRateLimit && d.Hourly != nil {
		usage = *d.Hourly
	}
	return &ExceededError{Reason: d.Reason, Usage: usage}
}

type plan struct {
	tier     Tier
	primary  models.UsageBucket
	limit    int
	hourly   *models.UsageBucket
	hourLim  int
	identity string
}

func (l *Ledger) plan(ctx context.Context, caller Caller, now time.Time) (plan, error) {
	if caller.Anonymous() {
		return plan{
			primary:  bucketFor(models.UsageAnonymous, caller.IP, now),
			limit:    l.policy.AnonDailyLimit,
			identity: caller.IP,
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	sub, err := l.subs.GetSubscription(ctx, caller.UserID)
	if err != nil {
		return plan{}, fmt.Errorf("load subscription for %s: %w", caller.UserID, err)
	}

	tier := l.policy.ResolveTier(sub)
	p := plan{
		tier:     tier,
		primary:  bucketFor(models.UsageMonthly, caller.UserID, now),
		limit:    l.policy.MonthlyLimit(tier),
		identity: caller.UserID,
	}
	if tier == TierPro {
		hb := bucketFor(models.UsageHourly, caller.UserID, now)
		p.hourly = &hb
		p.hourLim = l.policy.ProHourlyLimit
	}
	return p, nil
}

// Check reports the caller's current usage without consuming anything.
func (l *Ledger) Check(ctx context.Context, caller Caller) Decision {
	now := l.now()
	p, err := l.plan(ctx, caller, now)
	if err != nil {
		return l.failed("subscription", caller, err)
	}

	primary, err := l.read(ctx, l.counter, p.primary)
	if err != nil {
		return l.failed("read", caller, err)
	}
	d := Decision{Usage: newUsage(primary, p.tier, p.limit, now)}
	d.Allowed = d.Usage.Remaining > 0
	if !d.Allowed {
		d.Reason = reasonFor(p.primary.Kind)
	}

	if p.hourly != nil {
		hourly, err := l.read(ctx, l.hourly, *p.hourly)
		if err != nil {
			return l.failed("read", caller, err)
		}
		hu := newUsage(hourly, p.tier, p.hourLim, now)
		d.Hourly = &hu
		if d.Allowed && hu.Remaining <= 0 {
			d.Allowed = false
			d.Reason = ReasonRateLimit
		}
	}
	return d
}

// CheckAndConsume spends one unit for caller if every applicable bucket has
// room. Pro callers spend from the hourly bucket before the monthly one; an
// hourly unit spent on a request the monthly bucket then denies is not
// returned.
func (l *Ledger) CheckAndConsume(ctx context.Context, caller Caller) Decision {
	now := l.now()
	p, err := l.plan(ctx, caller, now)
	if err != nil {
		return l.failed("subscription", caller, err)
	}

	var d Decision
	if p.hourly != nil {
		hourly, ok, err := l.consume(ctx, l.hourly, *p.hourly, p.hourLim)
		if err != nil {
			return l.failed("consume", caller, err)
		}
		hu := newUsage(hourly, p.tier, p.hourLim, now)
		d.Hourly = &hu
		if !ok {
			// Show the monthly state alongside the hourly denial when it is
			// readable.
			if primary, err := l.read(ctx, l.counter, p.primary); err == nil {
				d.Usage = newUsage(primary, p.tier, p.limit, now)
			}
			return l.deny(d, models.UsageHourly, p.identity)
		}
	}

	primary, ok, err := l.consume(ctx, l.counter, p.primary, p.limit)
	if err != nil {
		return l.failed("consume", caller, err)
	}
	d.Usage = newUsage(primary, p.tier, p.limit, now)
	if !ok {
		return l.deny(d, p.primary.Kind, p.identity)
	}

	d.Allowed = true
	metrics.IncQuotaDecision(string(p.primary.Kind), "allowed")
	return d
}

func (l *Ledger) deny(d Decision, kind models.UsageKind, identity string) Decision {
	d.Allowed = false
	d.Reason = reasonFor(kind)
	metrics.IncQuotaDecision(string(kind), "denied")
	l.logger.Info("quota denied",
		zap.String("identity", identity),
		zap.String("reason", string(d.Reason)))
	return d
}

func (l *Ledger) read(ctx context.Context, c Counter, bucket models.UsageBucket) (models.UsageCounter, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return c.GetUsage(ctx, bucket)
}

func (l *Ledger) consume(ctx context.Context, c Counter, bucket models.UsageBucket, limit int) (models.UsageCounter, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return c.ConsumeUsage(ctx, bucket, limit)
}

func (l *Ledger) failed(op string, caller Caller, err error) Decision {
	metrics.IncLedgerFailure(op)
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("user_id", caller.UserID),
		zap.String("ip", caller.IP),
		zap.String("failure_policy", string(l.failure)),
		zap.Error(err),
	}

	if l.failure == FailClosed {
		l.logger.Error("quota ledger unavailable, denying request", fields...)
		metrics.IncQuotaDecision("unknown", "unavailable")
		return Decision{Allowed: false, Degraded: true}
	}
	l.logger.Error("quota ledger unavailable, admitting request without accounting", fields...)
	metrics.IncQuotaDecision("unknown", "degraded")
	return Decision{Allowed: true, Degraded: true}
}
