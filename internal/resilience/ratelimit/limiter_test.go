package ratelimit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reporl "github.com/yungbote/autoflow-backend/internal/data/repos/ratelimit"
	"github.com/yungbote/autoflow-backend/internal/data/repos/testutil"
	"github.com/yungbote/autoflow-backend/internal/platform/clock"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/resilience"
)

type brokenWindow struct{}

func (brokenWindow) Strategy() string { return StrategySlidingWindow }

func (brokenWindow) Take(context.Context, string, int, time.Duration, time.Time) (Decision, error) {
	return Decision{}, errors.New("dial tcp: connection refused")
}

var testDefs = []Definition{
	{Name: "email_send", Scope: ScopeUser, MaxRequests: 3, WindowSeconds: 60},
	{Name: "pair", Scope: ScopeCustom, MaxRequests: 2, WindowSeconds: 60},
	{Name: "login", Scope: ScopeIP, MaxRequests: 2, WindowSeconds: 60},
	{Name: "everyone", Scope: ScopeGlobal, MaxRequests: 10, WindowSeconds: 1},
}

func TestSlidingWindowAdmitsNThenRejectsThenRecovers(t *testing.T) {
	db := testutil.DB(t)
	clk := clock.NewFake(time.Time{})
	violations := reporl.NewRateLimitViolationRepo(db, testutil.Logger(t))
	lim, err := NewLimiter(testutil.Logger(t), violations, nil, Config{
		Definitions: testDefs,
		Primary:     NewMemoryWindow(),
		Now:         clk.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()
	rc := RequestContext{UserID: uuid.NewString()}

	for i := 0; i < 3; i++ {
		res, err := lim.Check(ctx, "email_send", rc)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, res.Remaining)
		assert.Equal(t, StrategySlidingWindow, res.Strategy)
		clk.Advance(time.Second)
	}

	res, err := lim.Check(ctx, "email_send", rc)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, 57*time.Second, res.RetryAfter)
	assert.Equal(t, 0, res.Remaining)

	v, err := violations.Get(dbctx.New(ctx), "email_send", rc.UserID)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.EqualValues(t, 1, v.ViolationCount)

	clk.Advance(60 * time.Second)
	res, err = lim.Check(ctx, "email_send", rc)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Other identifiers have their own window.
	res, err = lim.Check(ctx, "email_send", RequestContext{UserID: uuid.NewString()})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
}

func TestWindowSlidesRatherThanResetting(t *testing.T) {
	clk := clock.NewFake(time.Time{})
	lim, err := NewLimiter(testutil.Logger(t), nil, nil, Config{Definitions: testDefs, Primary: NewMemoryWindow(), Now: clk.Now})
	require.NoError(t, err)
	ctx := context.Background()
	rc := RequestContext{CustomKey: "owner:contact"}

	mustAllow := func(want bool) Result {
		t.Helper()
		res, err := lim.Check(ctx, "pair", rc)
		require.NoError(t, err)
		require.Equal(t, want, res.Allowed)
		return res
	}

	mustAllow(true) // t=0
	clk.Advance(30 * time.Second)
	mustAllow(true) // t=30
	clk.Advance(29 * time.Second)
	res := mustAllow(false) // t=59
	assert.Equal(t, time.Second, res.RetryAfter)
	clk.Advance(time.Second)
	mustAllow(true) // t=60, the t=0 request left the window
	clk.Advance(time.Second)
	res = mustAllow(false) // t=61
	assert.Equal(t, 29*time.Second, res.RetryAfter)
}

func TestAllowReturnsRateLimitedError(t *testing.T) {
	clk := clock.NewFake(time.Time{})
	lim, err := NewLimiter(testutil.Logger(t), nil, nil, Config{Definitions: testDefs, Primary: NewMemoryWindow(), Now: clk.Now})
	require.NoError(t, err)
	ctx := context.Background()
	rc := RequestContext{IP: "203.0.113.9"}

	require.NoError(t, lim.Allow(ctx, "login", rc))
	require.NoError(t, lim.Allow(ctx, "login", rc))
	err = lim.Allow(ctx, "login", rc)
	require.True(t, resilience.IsCode(err, resilience.CodeRateLimited))
	assert.Equal(t, 60*time.Second, resilience.RetryAfterOf(err))
}

func TestCheckValidation(t *testing.T) {
	lim, err := NewLimiter(testutil.Logger(t), nil, nil, Config{Definitions: testDefs, Primary: NewMemoryWindow()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = lim.Check(ctx, "nope", RequestContext{})
	assert.True(t, resilience.IsCode(err, resilience.CodeValidation))

	_, err = lim.Check(ctx, "email_send", RequestContext{IP: "1.2.3.4"})
	assert.True(t, resilience.IsCode(err, resilience.CodeValidation), "user scope needs a user id")

	res, err := lim.Check(ctx, "everyone", RequestContext{})
	require.NoError(t, err)
	assert.True(t, res.Allowed, "global scope needs nothing")
}

func TestBackendFailureFailsOpen(t *testing.T) {
	lim, err := NewLimiter(testutil.Logger(t), nil, nil, Config{Definitions: testDefs, Primary: brokenWindow{}})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		res, err := lim.Check(context.Background(), "login", RequestContext{IP: "198.51.100.1"})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.True(t, res.Unbounded)
		assert.Equal(t, -1, res.Remaining)
		assert.Equal(t, StrategyFailOpen, res.Strategy)
	}
}

func TestPrimaryFailureUsesApproximateDBFallback(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC))
	fallback := NewDBFixedWindow(reporl.NewRateLimitHitRepo(db, log))
	lim, err := NewLimiter(log, reporl.NewRateLimitViolationRepo(db, log), nil, Config{
		Definitions: testDefs,
		Primary:     brokenWindow{},
		Fallback:    fallback,
		Now:         clk.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()
	rc := RequestContext{IP: "192.0.2.44"}

	for i := 0; i < 2; i++ {
		res, err := lim.Check(ctx, "login", rc)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, StrategyFixedWindowDB, res.Strategy)
	}
	res, err := lim.Check(ctx, "login", rc)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 50*time.Second, res.RetryAfter, "fixed window resets at the minute boundary")

	// Calendar-aligned: the next window starts fresh.
	clk.Advance(50 * time.Second)
	res, err = lim.Check(ctx, "login", rc)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	clk.Advance(10 * time.Minute)
	n, err := lim.SweepHits(ctx, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestMemoryWindowIsAtomicUnderConcurrency(t *testing.T) {
	w := NewMemoryWindow()
	now := time.Now()
	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := w.Take(context.Background(), "k", 10, time.Minute, now)
			assert.NoError(t, err)
			if dec.Allowed {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 10, admitted)

	assert.Equal(t, 0, w.Prune(now))
	assert.Equal(t, 1, w.Prune(now.Add(time.Minute)))
}

func TestLoadDefinitionsMergesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
limits:
  - name: email_send
    scope: user
    max_requests: 5
    window_seconds: 60
  - name: partner_api
    scope: custom
    max_requests: 30
    window_seconds: 10
`), 0o600))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	byName := map[string]Definition{}
	for _, d := range defs {
		byName[d.Name] = d
	}
	assert.Equal(t, 5, byName["email_send"].MaxRequests)
	assert.Equal(t, ScopeCustom, byName["partner_api"].Scope)
	assert.Contains(t, byName, "auth_login")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("limits:\n  - name: x\n    scope: planet\n    max_requests: 1\n    window_seconds: 1\n"), 0o600))
	_, err = LoadDefinitions(bad)
	assert.Error(t, err)

	defs, err = LoadDefinitions("")
	require.NoError(t, err)
	assert.Len(t, defs, len(DefaultDefinitions()))
}
