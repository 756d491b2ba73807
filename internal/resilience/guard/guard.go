// Package guard runs one automated side effect through the whole control
// plane: rate limit, safety gate, idempotency ledger and circuit breaker.
package guard

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	domainauto "github.com/yungbote/autoflow-backend/internal/domain/automation"
	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
	"github.com/yungbote/autoflow-backend/internal/resilience"
	"github.com/yungbote/autoflow-backend/internal/resilience/breaker"
	"github.com/yungbote/autoflow-backend/internal/resilience/idempotency"
	"github.com/yungbote/autoflow-backend/internal/resilience/ratelimit"
	"github.com/yungbote/autoflow-backend/internal/resilience/safety"
)

const (
	OutcomeCompleted = "completed"
	OutcomeReplayed  = "replayed"
	OutcomeDryRun    = "dry_run"
	OutcomeBlocked   = "blocked"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Action describes one side effect on behalf of an owner.
type Action struct {
	OwnerID       uuid.UUID
	RuleID        *uuid.UUID
	ActionType    string
	TargetContact string
	// Dependency names the breaker; defaults to ActionType.
	Dependency string
	// IdempotencyKey is derived from ActionType, OwnerID and Payload when empty.
	IdempotencyKey string
	Payload        any
	// RateLimit names an optional limit checked before anything else.
	RateLimit      string
	RequestContext ratelimit.RequestContext
	Timeout        time.Duration
	TTL            time.Duration
}

type Outcome struct {
	Status         string          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	LogID          uuid.UUID       `json:"log_id,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

type Func func(ctx context.Context) (any, error)

type Guard struct {
	log      *logger.Logger
	limiter  *ratelimit.Limiter
	gate     *safety.Gate
	ledger   *idempotency.Ledger
	breakers *breaker.Registry
	metrics  *observability.Metrics
}

// New wires a guard. limiter may be nil; actions naming a rate limit then fail
// validation.
func New(baseLog *logger.Logger, limiter *ratelimit.Limiter, gate *safety.Gate, ledger *idempotency.Ledger, breakers *breaker.Registry, metrics *observability.Metrics) *Guard {
	return &Guard{
		log:      baseLog.With("component", "AutomationGuard"),
		limiter:  limiter,
		gate:     gate,
		ledger:   ledger,
		breakers: breakers,
		metrics:  metrics,
	}
}

// Execute runs fn at most once per idempotency key, and only if every
// control-plane check admits it.
func (g *Guard) Execute(ctx context.Context, a Action, fn Func) (Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "guard.execute", attribute.String("action_type", a.ActionType))
	out, err := g.execute(ctx, a, fn)
	span.SetAttributes(attribute.String("outcome", out.Status))
	observability.EndSpan(span, err)
	if out.Status != "" {
		g.metrics.IncGuardOutcome(a.ActionType, out.Status)
	}
	return out, err
}

func (g *Guard) execute(ctx context.Context, a Action, fn Func) (Outcome, error) {
	a.ActionType = strings.TrimSpace(a.ActionType)
	if a.OwnerID == uuid.Nil {
		return Outcome{}, resilience.Validation("guard.execute", "owner_id is required")
	}
	if a.ActionType == "" {
		return Outcome{}, resilience.Validation("guard.execute", "action_type is required")
	}
	if fn == nil {
		return Outcome{}, resilience.Validation("guard.execute", "action func is required")
	}
	if strings.TrimSpace(a.Dependency) == "" {
		a.Dependency = a.ActionType
	}
	key := strings.TrimSpace(a.IdempotencyKey)
	if key == "" {
		k, err := idempotency.GenerateKey(a.ActionType, a.OwnerID, a.Payload)
		if err != nil {
			return Outcome{}, err
		}
		key = k
	}
	out := Outcome{IdempotencyKey: key}

	if a.RateLimit != "" {
		if g.limiter == nil {
			return out, resilience.Validationf("guard.execute", "rate limit %q requested but no limiter configured", a.RateLimit)
		}
		rc := a.RequestContext
		if rc.UserID == "" {
			rc.UserID = a.OwnerID.String()
		}
		if err := g.limiter.Allow(ctx, a.RateLimit, rc); err != nil {
			if resilience.IsCode(err, resilience.CodeRateLimited) {
				out.Status = OutcomeBlocked
				out.Reason = string(resilience.CodeRateLimited)
			}
			return out, err
		}
	}

	adm, err := g.gate.Admit(ctx, safety.ActionRequest{
		OwnerID:        a.OwnerID,
		RuleID:         a.RuleID,
		ActionType:     a.ActionType,
		TargetContact:  a.TargetContact,
		IdempotencyKey: key,
	})
	out.LogID = adm.LogID
	if err != nil {
		if resilience.IsCode(err, resilience.CodeSafetyBlocked) {
			out.Status = OutcomeBlocked
			out.Reason = resilience.ReasonOf(err)
		}
		return out, err
	}

	reserved, err := g.ledger.Reserve(ctx, idempotency.ReserveInput{
		Key:           key,
		OperationType: a.ActionType,
		OwnerID:       a.OwnerID,
		Payload:       a.Payload,
		TTL:           a.TTL,
	})
	if err != nil {
		g.finish(ctx, out.LogID, domainauto.ActionStatusSkipped, err.Error())
		return out, err
	}
	if !reserved {
		return g.duplicate(ctx, out)
	}

	if adm.Result.DryRun {
		g.release(ctx, key)
		g.finish(ctx, out.LogID, domainauto.ActionStatusDryRun, "")
		out.Status = OutcomeDryRun
		g.log.Info("automation dry run", "owner_id", a.OwnerID.String(), "action_type", a.ActionType)
		return out, nil
	}

	callCtx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	res, callErr := breaker.Call[any](callCtx, g.breakers, a.Dependency, fn)

	// The side effect may have happened; record it even if the caller left.
	recordCtx := context.WithoutCancel(ctx)
	if callErr != nil {
		if idempotency.NotAttempted(callErr) {
			g.release(recordCtx, key)
			g.finish(recordCtx, out.LogID, domainauto.ActionStatusSkipped, callErr.Error())
			out.Status = OutcomeSkipped
			out.Reason = string(resilience.CodeOf(callErr))
			return out, callErr
		}
		if err := g.ledger.Fail(recordCtx, key, callErr); err != nil {
			g.log.Error("idempotency fail record failed", "key", key, "error", err)
		}
		g.finish(recordCtx, out.LogID, domainauto.ActionStatusFailed, callErr.Error())
		out.Status = OutcomeFailed
		return out, callErr
	}

	payload, err := json.Marshal(res)
	if err != nil {
		if failErr := g.ledger.Fail(recordCtx, key, err); failErr != nil {
			g.log.Error("idempotency fail record failed", "key", key, "error", failErr)
		}
		g.finish(recordCtx, out.LogID, domainauto.ActionStatusFailed, err.Error())
		out.Status = OutcomeFailed
		return out, resilience.Validationf("guard.execute", "result is not JSON encodable: %v", err)
	}
	out.Status = OutcomeCompleted
	out.Result = payload
	g.finish(recordCtx, out.LogID, domainauto.ActionStatusCompleted, "")
	if err := g.ledger.Complete(recordCtx, key, idempotency.StatusCompleted, json.RawMessage(payload)); err != nil {
		return out, err
	}
	return out, nil
}

// duplicate resolves a key some other attempt owns. The audit row for this
// attempt is marked skipped so it never counts toward caps.
func (g *Guard) duplicate(ctx context.Context, out Outcome) (Outcome, error) {
	rec, err := g.ledger.Check(ctx, out.IdempotencyKey)
	if err != nil {
		g.finish(ctx, out.LogID, domainauto.ActionStatusSkipped, err.Error())
		return out, err
	}
	out.Status = OutcomeSkipped
	switch {
	case rec != nil && rec.Status == idempotency.StatusCompleted:
		g.finish(ctx, out.LogID, domainauto.ActionStatusSkipped, "duplicate")
		out.Status = OutcomeReplayed
		out.Result = json.RawMessage(rec.ResultPayload)
		return out, nil
	case rec != nil && rec.Status == idempotency.StatusFailed:
		g.finish(ctx, out.LogID, domainauto.ActionStatusSkipped, "duplicate of failed attempt")
		return out, resilience.IdempotencyConflict("guard.execute", out.IdempotencyKey, "previous attempt failed: "+rec.ErrorMessage)
	default:
		g.finish(ctx, out.LogID, domainauto.ActionStatusSkipped, "duplicate in flight")
		return out, resilience.IdempotencyConflict("guard.execute", out.IdempotencyKey, "")
	}
}

func (g *Guard) release(ctx context.Context, key string) {
	if err := g.ledger.Release(ctx, key); err != nil {
		g.log.Error("idempotency release failed", "key", key, "error", err)
	}
}

func (g *Guard) finish(ctx context.Context, logID uuid.UUID, status, errMsg string) {
	if logID == uuid.Nil {
		return
	}
	if err := g.gate.CompleteAction(ctx, logID, status, errMsg); err != nil {
		g.log.Error("audit row update failed", "log_id", logID.String(), "status", status, "error", err)
	}
}
