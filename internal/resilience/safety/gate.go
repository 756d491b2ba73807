// Package safety decides whether an automated action may run for an owner.
// It fails closed: if the global kill switch cannot be read, every action is
// denied.
package safety

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/autoflow-backend/internal/data/repos"
	types "github.com/yungbote/autoflow-backend/internal/domain"
	domainauto "github.com/yungbote/autoflow-backend/internal/domain/automation"
	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/ctxutil"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
	"github.com/yungbote/autoflow-backend/internal/resilience"
)

const (
	contactWindow = 24 * time.Hour
	burstWindow   = 5 * time.Minute
	hourlyWindow  = time.Hour
)

// AutoPauseReason is stored on rules paused by repeated OAuth failures.
const AutoPauseReason = "oauth_failure_threshold"

type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	DryRun  bool   `json:"dry_run"`
}

type Deps struct {
	Configs       repos.SafetyConfigRepo
	Actions       repos.ActionLogRepo
	OAuthFailures repos.OAuthFailureRepo
	Rules         repos.RuleRepo
}

type Gate struct {
	log          *logger.Logger
	deps         Deps
	metrics      *observability.Metrics
	defaults     Limits
	contactTypes map[string]bool
	now          func() time.Time
	locks        *ownerLocks
	validate     *validator.Validate
}

func NewGate(baseLog *logger.Logger, deps Deps, metrics *observability.Metrics, cfg Config) *Gate {
	d := DefaultConfig()
	if cfg.Defaults == (Limits{}) {
		cfg.Defaults = d.Defaults
	}
	if cfg.ContactActionTypes == nil {
		cfg.ContactActionTypes = d.ContactActionTypes
	}
	if cfg.Now == nil {
		cfg.Now = d.Now
	}
	contactTypes := make(map[string]bool, len(cfg.ContactActionTypes))
	for _, t := range cfg.ContactActionTypes {
		contactTypes[strings.TrimSpace(t)] = true
	}
	return &Gate{
		log:          baseLog.With("component", "SafetyGate"),
		deps:         deps,
		metrics:      metrics,
		defaults:     cfg.Defaults,
		contactTypes: contactTypes,
		now:          cfg.Now,
		locks:        newOwnerLocks(),
		validate:     validator.New(),
	}
}

func (g *Gate) clock() time.Time { return g.now().UTC() }

// Check evaluates, in order: global kill switch, owner kill switch,
// per-contact daily cap, per-owner 5-minute cap, per-owner hourly cap. The
// first failing tier decides the reason.
func (g *Gate) Check(ctx context.Context, ownerID uuid.UUID, actionType, targetContact string) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "safety.check", attribute.String("action_type", actionType))
	res, err := g.check(ctx, ownerID, actionType, targetContact)
	span.SetAttributes(attribute.Bool("allowed", res.Allowed), attribute.String("reason", res.Reason))
	observability.EndSpan(span, err)
	if err == nil {
		g.metrics.IncSafetyDecision(res.Reason)
		if !res.Allowed {
			g.log.Info("automation blocked",
				"owner_id", ownerID.String(),
				"action_type", actionType,
				"reason", res.Reason,
			)
		}
	}
	return res, err
}

func (g *Gate) check(ctx context.Context, ownerID uuid.UUID, actionType, targetContact string) (Result, error) {
	actionType = strings.TrimSpace(actionType)
	targetContact = strings.TrimSpace(targetContact)
	if ownerID == uuid.Nil {
		return Result{}, resilience.Validation("safety.check", "owner_id is required")
	}
	if actionType == "" {
		return Result{}, resilience.Validation("safety.check", "action_type is required")
	}
	dbc := dbctx.New(ctx)

	global, err := g.deps.Configs.GetByScope(dbc, domainauto.GlobalScopeKey)
	if err != nil {
		g.log.Error("kill switch lookup failed, denying", "error", err)
		return Result{Allowed: false, Reason: resilience.ReasonGlobalKillSwitch}, nil
	}
	if global != nil && global.KillSwitch {
		return Result{Allowed: false, Reason: resilience.ReasonGlobalKillSwitch}, nil
	}

	owner, err := g.deps.Configs.GetByScope(dbc, ownerID.String())
	if err != nil {
		return Result{}, resilience.Storage("safety.check", err)
	}
	if owner != nil && owner.KillSwitch {
		return Result{Allowed: false, Reason: resilience.ReasonUserKillSwitch}, nil
	}
	limits := g.effective(global, owner)
	dry := limits.DryRunMode

	now := g.clock()
	if targetContact != "" && g.contactTypes[actionType] {
		n, err := g.deps.Actions.CountForContactSince(dbc, ownerID, targetContact, actionType, now.Add(-contactWindow))
		if err != nil {
			return Result{}, resilience.Storage("safety.check", err)
		}
		if n >= int64(limits.MaxActionsPerContactPerDay) {
			return Result{Allowed: false, Reason: resilience.ReasonContactDailyLimit, DryRun: dry}, nil
		}
	}

	n, err := g.deps.Actions.CountForOwnerSince(dbc, ownerID, now.Add(-burstWindow))
	if err != nil {
		return Result{}, resilience.Storage("safety.check", err)
	}
	if n >= int64(limits.MaxActionsPerUserPer5Min) {
		return Result{Allowed: false, Reason: resilience.ReasonUserBurstLimit, DryRun: dry}, nil
	}

	n, err = g.deps.Actions.CountForOwnerSince(dbc, ownerID, now.Add(-hourlyWindow))
	if err != nil {
		return Result{}, resilience.Storage("safety.check", err)
	}
	if n >= int64(limits.MaxActionsPerUserPerHour) {
		return Result{Allowed: false, Reason: resilience.ReasonUserHourlyLimit, DryRun: dry}, nil
	}

	return Result{Allowed: true, DryRun: dry}, nil
}

// effective picks owner row, then global row, then built-in defaults. An owner
// row that only carries a kill switch does not count.
func (g *Gate) effective(global, owner *types.AutomationSafetyConfig) Limits {
	switch {
	case owner.OwnLimits():
		return limitsOf(owner)
	case global != nil:
		return limitsOf(global)
	default:
		return g.defaults
	}
}

type ActionRequest struct {
	OwnerID        uuid.UUID
	RuleID         *uuid.UUID
	ActionType     string
	TargetContact  string
	IdempotencyKey string
}

type Admission struct {
	Result Result
	// LogID is the audit row written for this attempt (pending when allowed,
	// blocked otherwise).
	LogID uuid.UUID
}

// Admit runs Check and appends the audit row while holding a per-owner lock,
// so concurrent admissions in this process cannot both pass a cap with one
// slot left. Across processes the caps are eventually consistent.
func (g *Gate) Admit(ctx context.Context, req ActionRequest) (Admission, error) {
	if req.OwnerID == uuid.Nil {
		return Admission{}, resilience.Validation("safety.admit", "owner_id is required")
	}
	unlock := g.locks.lock(req.OwnerID)
	defer unlock()

	res, err := g.Check(ctx, req.OwnerID, req.ActionType, req.TargetContact)
	if err != nil {
		return Admission{}, err
	}
	status := domainauto.ActionStatusPending
	errMsg := ""
	if !res.Allowed {
		status = domainauto.ActionStatusBlocked
		errMsg = res.Reason
	}
	row, err := g.LogAction(ctx, ActionLogInput{
		OwnerID:        req.OwnerID,
		RuleID:         req.RuleID,
		ActionType:     req.ActionType,
		TargetContact:  req.TargetContact,
		IdempotencyKey: req.IdempotencyKey,
		Status:         status,
		ErrorMessage:   errMsg,
	})
	if err != nil {
		return Admission{Result: res}, err
	}
	adm := Admission{Result: res, LogID: row.ID}
	if !res.Allowed {
		return adm, resilience.SafetyBlocked("safety.admit", res.Reason)
	}
	return adm, nil
}

type ActionLogInput struct {
	OwnerID        uuid.UUID
	RuleID         *uuid.UUID
	ActionType     string
	TargetContact  string
	IdempotencyKey string
	Status         string
	ErrorMessage   string
}

var validActionStatuses = map[string]bool{
	domainauto.ActionStatusPending:   true,
	domainauto.ActionStatusCompleted: true,
	domainauto.ActionStatusFailed:    true,
	domainauto.ActionStatusDryRun:    true,
	domainauto.ActionStatusBlocked:   true,
	domainauto.ActionStatusSkipped:   true,
}

// LogAction appends one audit row synchronously. The caps read this table, so
// the row must be visible before the owner's next Check.
func (g *Gate) LogAction(ctx context.Context, in ActionLogInput) (*types.AutomationActionLog, error) {
	if in.OwnerID == uuid.Nil {
		return nil, resilience.Validation("safety.log_action", "owner_id is required")
	}
	if strings.TrimSpace(in.ActionType) == "" {
		return nil, resilience.Validation("safety.log_action", "action_type is required")
	}
	if in.Status == "" {
		in.Status = domainauto.ActionStatusPending
	}
	if !validActionStatuses[in.Status] {
		return nil, resilience.Validationf("safety.log_action", "invalid status %q", in.Status)
	}
	now := g.clock()
	row := &types.AutomationActionLog{
		OwnerID:        in.OwnerID,
		RuleID:         in.RuleID,
		ActionType:     strings.TrimSpace(in.ActionType),
		TargetContact:  strings.TrimSpace(in.TargetContact),
		IdempotencyKey: in.IdempotencyKey,
		Status:         in.Status,
		ErrorMessage:   in.ErrorMessage,
		CreatedAt:      now,
	}
	if in.Status != domainauto.ActionStatusPending {
		row.CompletedAt = &now
	}
	if err := g.deps.Actions.Create(dbctx.New(ctx), row); err != nil {
		return nil, resilience.Storage("safety.log_action", err)
	}
	return row, nil
}

// CompleteAction sets the final status of an audit row written by Admit.
func (g *Gate) CompleteAction(ctx context.Context, logID uuid.UUID, status, errMsg string) error {
	if logID == uuid.Nil {
		return resilience.Validation("safety.complete_action", "log id is required")
	}
	if !validActionStatuses[status] || status == domainauto.ActionStatusPending {
		return resilience.Validationf("safety.complete_action", "invalid terminal status %q", status)
	}
	now := g.clock()
	if err := g.deps.Actions.UpdateStatus(dbctx.New(ctx), logID, status, errMsg, &now); err != nil {
		return resilience.Storage("safety.complete_action", err)
	}
	return nil
}

type OAuthOutcome struct {
	Failures    int64 `json:"failures"`
	Threshold   int   `json:"threshold"`
	Paused      bool  `json:"paused"`
	RulesPaused int64 `json:"rules_paused"`
}

// LogOAuthFailure records the failure and, once the owner reaches the
// threshold inside the window, pauses every one of their rules. The pause is
// not rolled back.
func (g *Gate) LogOAuthFailure(ctx context.Context, ownerID uuid.UUID, failureType, errMsg string) (OAuthOutcome, error) {
	if ownerID == uuid.Nil {
		return OAuthOutcome{}, resilience.Validation("safety.log_oauth_failure", "owner_id is required")
	}
	failureType = strings.TrimSpace(failureType)
	if failureType == "" {
		failureType = "oauth_failure"
	}
	dbc := dbctx.New(ctx)
	now := g.clock()

	if err := g.deps.OAuthFailures.Create(dbc, &types.OAuthFailureLog{
		OwnerID:      ownerID,
		FailureType:  failureType,
		ErrorMessage: errMsg,
		CreatedAt:    now,
	}); err != nil {
		return OAuthOutcome{}, resilience.Storage("safety.log_oauth_failure", err)
	}

	limits, err := g.limitsFor(ctx, ownerID)
	if err != nil {
		return OAuthOutcome{}, err
	}
	n, err := g.deps.OAuthFailures.CountForOwnerSince(dbc, ownerID, now.Add(-limits.OAuthFailureWindow()))
	if err != nil {
		return OAuthOutcome{}, resilience.Storage("safety.log_oauth_failure", err)
	}
	out := OAuthOutcome{Failures: n, Threshold: limits.OAuthFailureThreshold}
	if n < int64(limits.OAuthFailureThreshold) {
		return out, nil
	}

	paused, err := g.deps.Rules.PauseAllForOwner(dbc, ownerID, AutoPauseReason, now)
	if err != nil {
		return out, resilience.Storage("safety.log_oauth_failure", err)
	}
	out.Paused = true
	out.RulesPaused = paused
	g.metrics.IncAutoPause()
	g.log.Warn("automation rules auto-paused after oauth failures",
		"owner_id", ownerID.String(),
		"failures", n,
		"threshold", limits.OAuthFailureThreshold,
		"rules_paused", paused,
	)
	return out, nil
}

func (g *Gate) limitsFor(ctx context.Context, ownerID uuid.UUID) (Limits, error) {
	dbc := dbctx.New(ctx)
	owner, err := g.deps.Configs.GetByScope(dbc, ownerID.String())
	if err != nil {
		return Limits{}, resilience.Storage("safety.config", err)
	}
	if owner.OwnLimits() {
		return limitsOf(owner), nil
	}
	global, err := g.deps.Configs.GetByScope(dbc, domainauto.GlobalScopeKey)
	if err != nil {
		return Limits{}, resilience.Storage("safety.config", err)
	}
	return g.effective(global, nil), nil
}

// ToggleGlobalKillSwitch upserts the global row. Check reads it fresh, so the
// change applies to the next call.
func (g *Gate) ToggleGlobalKillSwitch(ctx context.Context, enabled bool) error {
	return g.setKillSwitch(ctx, nil, enabled)
}

func (g *Gate) ToggleOwnerKillSwitch(ctx context.Context, ownerID uuid.UUID, enabled bool) error {
	if ownerID == uuid.Nil {
		return resilience.Validation("safety.kill_switch", "owner_id is required")
	}
	return g.setKillSwitch(ctx, &ownerID, enabled)
}

// setKillSwitch flips one scope's switch. A new owner row is created with
// InheritsLimits set, so the owner keeps following the global row's caps and
// dry-run flag after the switch is turned back off.
func (g *Gate) setKillSwitch(ctx context.Context, ownerID *uuid.UUID, enabled bool) error {
	row := &types.AutomationSafetyConfig{
		ScopeKey:   domainauto.ScopeKeyFor(ownerID),
		OwnerID:    ownerID,
		KillSwitch: enabled,
	}
	seed := g.defaults
	if ownerID != nil {
		row.InheritsLimits = true
		current, err := g.limitsFor(ctx, *ownerID)
		if err != nil {
			return err
		}
		seed = current
	}
	seed.apply(row)
	if err := g.deps.Configs.SetKillSwitch(dbctx.New(ctx), row); err != nil {
		return resilience.Storage("safety.kill_switch", err)
	}
	if ownerID == nil {
		g.metrics.SetGlobalKillSwitch(enabled)
	}
	g.log.Warn("kill switch toggled",
		"scope", row.ScopeKey,
		"enabled", enabled,
		"operator", ctxutil.GetOperator(ctx),
	)
	return nil
}

// GlobalKillSwitch reads the global switch. Read errors are returned, not
// interpreted; Check is where the fail-closed policy lives.
func (g *Gate) GlobalKillSwitch(ctx context.Context) (bool, error) {
	row, err := g.deps.Configs.GetByScope(dbctx.New(ctx), domainauto.GlobalScopeKey)
	if err != nil {
		return false, resilience.Storage("safety.kill_switch", err)
	}
	return row != nil && row.KillSwitch, nil
}

// EffectiveConfig describes the config Check would apply for ownerID (nil for
// the global scope).
type EffectiveConfig struct {
	ScopeKey         string `json:"scope_key"`
	Source           string `json:"source"`
	KillSwitch       bool   `json:"kill_switch"`
	GlobalKillSwitch bool   `json:"global_kill_switch"`
	Limits
}

func (g *Gate) GetConfig(ctx context.Context, ownerID *uuid.UUID) (EffectiveConfig, error) {
	dbc := dbctx.New(ctx)
	global, err := g.deps.Configs.GetByScope(dbc, domainauto.GlobalScopeKey)
	if err != nil {
		return EffectiveConfig{}, resilience.Storage("safety.config", err)
	}
	out := EffectiveConfig{
		ScopeKey:         domainauto.ScopeKeyFor(ownerID),
		GlobalKillSwitch: global != nil && global.KillSwitch,
	}
	var owner *types.AutomationSafetyConfig
	if ownerID != nil && *ownerID != uuid.Nil {
		owner, err = g.deps.Configs.GetByScope(dbc, ownerID.String())
		if err != nil {
			return EffectiveConfig{}, resilience.Storage("safety.config", err)
		}
	}
	switch {
	case owner.OwnLimits():
		out.Source = "owner"
	case global != nil:
		out.Source = "global"
	default:
		out.Source = "default"
	}
	switch {
	case owner != nil:
		out.KillSwitch = owner.KillSwitch
	case out.ScopeKey == domainauto.GlobalScopeKey && global != nil:
		out.KillSwitch = global.KillSwitch
	}
	out.Limits = g.effective(global, owner)
	return out, nil
}

// UpsertConfig writes the caps of one scope. The kill switch is only changed
// through the toggle methods.
func (g *Gate) UpsertConfig(ctx context.Context, ownerID *uuid.UUID, limits Limits) (*types.AutomationSafetyConfig, error) {
	if err := g.validate.Struct(limits); err != nil {
		return nil, resilience.Validation("safety.upsert_config", err.Error())
	}
	dbc := dbctx.New(ctx)
	scope := domainauto.ScopeKeyFor(ownerID)
	existing, err := g.deps.Configs.GetByScope(dbc, scope)
	if err != nil {
		return nil, resilience.Storage("safety.upsert_config", err)
	}
	row := &types.AutomationSafetyConfig{ScopeKey: scope, OwnerID: ownerID}
	if existing != nil {
		row.KillSwitch = existing.KillSwitch
	}
	if ownerID != nil && *ownerID == uuid.Nil {
		row.OwnerID = nil
	}
	limits.apply(row)
	if err := g.deps.Configs.Upsert(dbc, row); err != nil {
		return nil, resilience.Storage("safety.upsert_config", err)
	}
	g.log.Info("safety config updated", "scope", scope, "operator", ctxutil.GetOperator(ctx))
	return g.deps.Configs.GetByScope(dbc, scope)
}
