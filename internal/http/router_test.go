package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/autoflow-backend/internal/data/cache"
	"github.com/yungbote/autoflow-backend/internal/data/repos"
	"github.com/yungbote/autoflow-backend/internal/data/repos/testutil"
	httpH "github.com/yungbote/autoflow-backend/internal/http/handlers"
	httpMW "github.com/yungbote/autoflow-backend/internal/http/middleware"
	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/clock"
	"github.com/yungbote/autoflow-backend/internal/resilience/breaker"
	"github.com/yungbote/autoflow-backend/internal/resilience/idempotency"
	"github.com/yungbote/autoflow-backend/internal/resilience/ratelimit"
	"github.com/yungbote/autoflow-backend/internal/resilience/safety"
)

const testSecret = "router-test-secret"

type harness struct {
	engine   *gin.Engine
	token    string
	breakers *breaker.Registry
	ledger   *idempotency.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)
	clk := clock.NewFake(time.Now().UTC().Truncate(time.Second))
	set := repos.NewSet(db, log)
	metrics := observability.NewMetrics()

	gate := safety.NewGate(log, safety.Deps{
		Configs:       set.SafetyConfig,
		Actions:       set.ActionLog,
		OAuthFailures: set.OAuthFailures,
		Rules:         set.Rules,
	}, metrics, safety.Config{Now: clk.Now})
	lcfg := idempotency.DefaultConfig()
	lcfg.Now = clk.Now
	ledger := idempotency.NewLedger(log, set.IdempotencyKeys, cache.NewMemory(clk.Now), metrics, lcfg)
	lim, err := ratelimit.NewLimiter(log, set.RateLimitViolation, metrics, ratelimit.Config{
		Definitions: []ratelimit.Definition{{Name: "sms_send", Scope: ratelimit.ScopeUser, MaxRequests: 1, WindowSeconds: 30}},
		Primary:     ratelimit.NewMemoryWindow(),
		Now:         clk.Now,
	})
	require.NoError(t, err)
	breakers := breaker.NewRegistry(log, metrics, breaker.RegistryConfig{
		Defaults: &breaker.Config{FailureThreshold: 1, Cooldown: time.Minute},
	})

	engine := NewRouter(RouterConfig{
		Log:                log,
		Metrics:            metrics,
		AdminAuth:          httpMW.NewAdminAuth(log, testSecret),
		HealthHandler:      httpH.NewHealthHandler(db, nil),
		SafetyHandler:      httpH.NewSafetyHandler(gate),
		BreakerHandler:     httpH.NewBreakerHandler(breakers),
		RateLimitHandler:   httpH.NewRateLimitHandler(lim),
		IdempotencyHandler: httpH.NewIdempotencyHandler(ledger),
	})
	tok, err := httpMW.IssueOperatorToken(testSecret, "oncall@example.com", time.Hour, time.Now())
	require.NoError(t, err)
	return &harness{engine: engine, token: tok, breakers: breakers, ledger: ledger}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/healthcheck", nil))
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	h.engine.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/metrics", nil))
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autoflow_")
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/api/admin/kill-switch", nil))
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)
}

func TestKillSwitchRoundTrip(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()

	rec := h.do(t, nethttp.MethodPut, "/api/admin/kill-switch", gin.H{"enabled": true})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, nethttp.MethodGet, "/api/admin/kill-switch", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["enabled"])

	rec = h.do(t, nethttp.MethodPost, "/api/admin/safety/check", gin.H{"owner_id": owner, "action_type": "send_sms", "target_contact": "+15550100"})
	require.Equal(t, nethttp.StatusOK, rec.Code)
	res := decode(t, rec)["result"].(map[string]any)
	assert.Equal(t, false, res["allowed"])
	assert.Equal(t, "global_kill_switch", res["reason"])

	rec = h.do(t, nethttp.MethodPut, "/api/admin/kill-switch", gin.H{})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
}

func TestSafetyConfigValidation(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()

	limits := safety.DefaultLimits()
	limits.MaxActionsPerUserPerHour = 12
	rec := h.do(t, nethttp.MethodPut, "/api/admin/safety/config", gin.H{"owner_id": owner.String(), "limits": limits})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, nethttp.MethodGet, "/api/admin/safety/config?owner_id="+owner.String(), nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	cfg := decode(t, rec)["config"].(map[string]any)
	assert.Equal(t, "owner", cfg["source"])
	assert.EqualValues(t, 12, cfg["max_actions_per_user_per_hour"])

	limits.OAuthFailureThreshold = 0
	rec = h.do(t, nethttp.MethodPut, "/api/admin/safety/config", gin.H{"limits": limits})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode(t, rec)["error"].(map[string]any)["code"])

	rec = h.do(t, nethttp.MethodGet, "/api/admin/safety/config?owner_id=not-a-uuid", nil)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
}

func TestOAuthFailureEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, nethttp.MethodPost, "/api/admin/safety/oauth-failures", gin.H{"owner_id": uuid.New(), "failure_type": "token_refresh_failed"})
	require.Equal(t, nethttp.StatusCreated, rec.Code, rec.Body.String())
	out := decode(t, rec)["outcome"].(map[string]any)
	assert.EqualValues(t, 1, out["failures"])
	assert.Equal(t, false, out["paused"])
}

func TestRateLimitCheckReturns429WithRetryAfter(t *testing.T) {
	h := newHarness(t)
	body := gin.H{"user_id": "u-1"}

	rec := h.do(t, nethttp.MethodPost, "/api/admin/ratelimits/sms_send/check", body)
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = h.do(t, nethttp.MethodPost, "/api/admin/ratelimits/sms_send/check", body)
	require.Equal(t, nethttp.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	rec = h.do(t, nethttp.MethodPost, "/api/admin/ratelimits/nope/check", body)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)

	rec = h.do(t, nethttp.MethodGet, "/api/admin/ratelimits", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["limits"], 1)
}

func TestBreakerEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, nethttp.MethodPost, "/api/admin/breakers/twilio/reset", nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)

	err := h.breakers.Do(context.Background(), "twilio", func(context.Context) error { return errors.New("503 from upstream") })
	require.Error(t, err)

	rec = h.do(t, nethttp.MethodGet, "/api/admin/breakers", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	list := decode(t, rec)["breakers"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "open", list[0].(map[string]any)["state"])

	rec = h.do(t, nethttp.MethodPost, "/api/admin/breakers/twilio/reset", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "closed", decode(t, rec)["breaker"].(map[string]any)["state"])
}

func TestIdempotencyLookup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.do(t, nethttp.MethodGet, "/api/admin/idempotency/missing", nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)

	ok, err := h.ledger.Reserve(ctx, idempotency.ReserveInput{Key: "abc", OperationType: "send_sms", OwnerID: uuid.New()})
	require.NoError(t, err)
	require.True(t, ok)

	rec = h.do(t, nethttp.MethodGet, "/api/admin/idempotency/abc", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["record"].(map[string]any)["status"])
}
