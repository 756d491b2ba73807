// Package ratelimit admits or rejects requests against named sliding-window
// limits. Unlike the safety gate it fails open: when no backend can decide,
// the request is admitted and flagged unbounded.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/autoflow-backend/internal/data/repos"
	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
	"github.com/yungbote/autoflow-backend/internal/resilience"
)

type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
	Strategy   string        `json:"strategy"`
	// Unbounded marks a fail-open admission; Remaining is -1.
	Unbounded bool `json:"unbounded"`
}

type Config struct {
	Definitions []Definition
	// Primary is the exact sliding window. Fallback, if set, is consulted only
	// when Primary errors.
	Primary  Window
	Fallback *DBFixedWindow
	Now      func() time.Time
}

type Limiter struct {
	log        *logger.Logger
	defs       map[string]Definition
	primary    Window
	fallback   *DBFixedWindow
	violations repos.RateLimitViolationRepo
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewLimiter(baseLog *logger.Logger, violations repos.RateLimitViolationRepo, metrics *observability.Metrics, cfg Config) (*Limiter, error) {
	defs := cfg.Definitions
	if len(defs) == 0 {
		defs = DefaultDefinitions()
	}
	if err := ValidateDefinitions(defs); err != nil {
		return nil, err
	}
	if cfg.Primary == nil && cfg.Fallback == nil {
		return nil, fmt.Errorf("rate limiter needs a window backend")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	byName := make(map[string]Definition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	return &Limiter{
		log:        baseLog.With("component", "RateLimiter"),
		defs:       byName,
		primary:    cfg.Primary,
		fallback:   cfg.Fallback,
		violations: violations,
		metrics:    metrics,
		now:        now,
	}, nil
}

func (l *Limiter) Definition(name string) (Definition, bool) {
	d, ok := l.defs[name]
	return d, ok
}

func (l *Limiter) Definitions() []Definition {
	out := make([]Definition, 0, len(l.defs))
	for _, d := range l.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check counts one request for (name, rc) and reports whether it is admitted.
// Backend failures never surface as errors; only unknown limits and missing
// identifiers do.
func (l *Limiter) Check(ctx context.Context, name string, rc RequestContext) (Result, error) {
	name = strings.TrimSpace(name)
	def, ok := l.defs[name]
	if !ok {
		return Result{}, resilience.Validationf("ratelimit.check", "unknown rate limit %q", name)
	}
	identifier := rc.Identifier(def.Scope)
	if identifier == "" {
		return Result{}, resilience.Validationf("ratelimit.check", "rate limit %q needs a %s identifier", name, def.Scope)
	}

	ctx, span := observability.StartSpan(ctx, "ratelimit.check",
		attribute.String("limit", name),
		attribute.String("scope", string(def.Scope)),
	)
	defer span.End()

	started := time.Now()
	now := l.now().UTC()
	key := windowKey(name, identifier)

	dec, strategy, err := l.take(ctx, key, def, now)
	if err != nil {
		l.log.Warn("rate limit backend unavailable, failing open",
			"limit", name,
			"identifier", identifier,
			"error", err,
		)
		l.metrics.IncRateLimitFailOpen(name)
		l.metrics.ObserveRateLimit(name, StrategyFailOpen, "allowed", time.Since(started))
		span.SetAttributes(attribute.String("strategy", StrategyFailOpen))
		return Result{
			Allowed:   true,
			Limit:     def.MaxRequests,
			Remaining: -1,
			ResetAt:   now.Add(def.Window()),
			Strategy:  StrategyFailOpen,
			Unbounded: true,
		}, nil
	}

	res := Result{
		Allowed:   dec.Allowed,
		Limit:     def.MaxRequests,
		Remaining: def.MaxRequests - dec.Count,
		ResetAt:   dec.ResetAt,
		Strategy:  strategy,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	outcome := "allowed"
	if !dec.Allowed {
		outcome = "rejected"
		res.RetryAfter = dec.ResetAt.Sub(now)
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
		l.recordViolation(ctx, name, identifier, now, dec.ResetAt)
	}
	l.metrics.ObserveRateLimit(name, strategy, outcome, time.Since(started))
	span.SetAttributes(attribute.String("strategy", strategy), attribute.Bool("allowed", dec.Allowed))
	return res, nil
}

func (l *Limiter) take(ctx context.Context, key string, def Definition, now time.Time) (Decision, string, error) {
	if l.primary != nil {
		dec, err := l.primary.Take(ctx, key, def.MaxRequests, def.Window(), now)
		if err == nil {
			return dec, l.primary.Strategy(), nil
		}
		if l.fallback == nil {
			return Decision{}, "", err
		}
		l.log.Warn("rate limit primary window failed, using approximate fallback",
			"limit", def.Name,
			"strategy", StrategyFixedWindowDB,
			"error", err,
		)
	}
	dec, err := l.fallback.Take(ctx, key, def.MaxRequests, def.Window(), now)
	if err != nil {
		return Decision{}, "", err
	}
	return dec, l.fallback.Strategy(), nil
}

func (l *Limiter) recordViolation(ctx context.Context, name, identifier string, at, blockedUntil time.Time) {
	if l.violations == nil {
		return
	}
	until := blockedUntil
	if err := l.violations.Increment(dbctx.New(ctx), name, identifier, at, &until); err != nil {
		l.log.Warn("rate limit violation not recorded", "limit", name, "error", err)
	}
}

// Allow is Check for callers that only need a go/no-go; rejection returns a
// rate_limited error carrying the retry hint.
func (l *Limiter) Allow(ctx context.Context, name string, rc RequestContext) error {
	res, err := l.Check(ctx, name, rc)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return resilience.RateLimited("ratelimit.allow", name, res.RetryAfter)
	}
	return nil
}

// SweepHits drops fallback hit rows older than olderThan.
func (l *Limiter) SweepHits(ctx context.Context, olderThan time.Duration) (int64, error) {
	if l.fallback == nil {
		return 0, nil
	}
	n, err := l.fallback.Sweep(ctx, l.now().UTC().Add(-olderThan))
	if err != nil {
		return n, resilience.Storage("ratelimit.sweep_hits", err)
	}
	return n, nil
}
