package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/autoflow-backend/internal/platform/logger"
	"github.com/yungbote/autoflow-backend/internal/resilience"
)

var errUpstream = errors.New("upstream 502")

// cooldown is short enough to wait out in real time.
const cooldown = 40 * time.Millisecond

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	return NewRegistry(logger.Nop(), nil, RegistryConfig{Defaults: &cfg})
}

func waitCooldown() { time.Sleep(cooldown + 20*time.Millisecond) }

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestBreakerFullCycle(t *testing.T) {
	reg := newTestRegistry(t, Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         cooldown,
		FailOpen:         false,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, reg.Do(ctx, "gmail", fail), errUpstream)
	}
	snap, ok := reg.State("gmail")
	require.True(t, ok)
	assert.Equal(t, StateOpen, snap.State)

	// Rejected without invoking the wrapped function.
	called := false
	err := reg.Do(ctx, "gmail", func(context.Context) error { called = true; return nil })
	assert.True(t, resilience.IsCode(err, resilience.CodeCircuitOpen))
	assert.False(t, called)

	waitCooldown()

	require.NoError(t, reg.Do(ctx, "gmail", succeed))
	snap, _ = reg.State("gmail")
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.Equal(t, 1, snap.SuccessCount)

	require.NoError(t, reg.Do(ctx, "gmail", succeed))
	snap, _ = reg.State("gmail")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, 0, snap.SuccessCount)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	reg := newTestRegistry(t, Config{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: cooldown})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = reg.Do(ctx, "stripe", fail)
	}
	waitCooldown()

	require.NoError(t, reg.Do(ctx, "stripe", succeed))
	require.ErrorIs(t, reg.Do(ctx, "stripe", fail), errUpstream)

	snap, _ := reg.State("stripe")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 0, snap.SuccessCount)
	assert.WithinDuration(t, time.Now(), snap.LastStateChangeAt, cooldown)
	assert.WithinDuration(t, time.Now(), snap.LastFailureAt, cooldown)
}

func TestBreakerSuccessResetsClosedFailures(t *testing.T) {
	reg := newTestRegistry(t, Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = reg.Do(ctx, "sms", fail)
	_ = reg.Do(ctx, "sms", fail)
	require.NoError(t, reg.Do(ctx, "sms", succeed))
	_ = reg.Do(ctx, "sms", fail)
	_ = reg.Do(ctx, "sms", fail)

	snap, _ := reg.State("sms")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 2, snap.FailureCount)
}

func TestBreakerFailOpenPassesThroughWithoutCounting(t *testing.T) {
	reg := newTestRegistry(t, Config{FailureThreshold: 2, Cooldown: time.Minute, FailOpen: true})
	ctx := context.Background()

	_ = reg.Do(ctx, "crm", fail)
	_ = reg.Do(ctx, "crm", fail)
	before, _ := reg.State("crm")
	require.Equal(t, StateOpen, before.State)

	calls := 0
	err := reg.Do(ctx, "crm", func(context.Context) error { calls++; return errUpstream })
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 1, calls)

	after, _ := reg.State("crm")
	assert.Equal(t, StateOpen, after.State)
	assert.Equal(t, before.LastStateChangeAt, after.LastStateChangeAt)
	assert.Equal(t, before.FailureCount, after.FailureCount)
}

func TestBreakerIgnoresUnclassifiedErrors(t *testing.T) {
	reg := newTestRegistry(t, Config{FailureThreshold: 1})
	ctx := context.Background()

	err := reg.Do(ctx, "gmail", func(context.Context) error {
		return resilience.Validation("send", "missing recipient")
	})
	assert.True(t, resilience.IsCode(err, resilience.CodeValidation))

	err = reg.Do(ctx, "gmail", func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)

	assert.Panics(t, func() {
		_ = reg.Do(ctx, "gmail", func(context.Context) error { panic("nil map") })
	})

	snap, _ := reg.State("gmail")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestCallReturnsValueAndRegistryIsolation(t *testing.T) {
	reg := newTestRegistry(t, Config{FailureThreshold: 1, FailOpen: false})
	reg.Configure("tolerant", Config{FailureThreshold: 10})
	ctx := context.Background()

	id, err := Call(ctx, reg, "gmail", func(context.Context) (string, error) { return "msg-1", nil })
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	_ = reg.Do(ctx, "gmail", fail)
	_ = reg.Do(ctx, "tolerant", fail)

	snaps := reg.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "gmail", snaps[0].Name)
	assert.Equal(t, StateOpen, snaps[0].State)
	assert.Equal(t, "tolerant", snaps[1].Name)
	assert.Equal(t, StateClosed, snaps[1].State)
	assert.Equal(t, 10, snaps[1].FailureThreshold)

	other := newTestRegistry(t, Config{})
	_, ok := other.State("gmail")
	assert.False(t, ok, "registries share no state")

	assert.True(t, reg.Reset("gmail"))
	snap, _ := reg.State("gmail")
	assert.Equal(t, StateClosed, snap.State)
	assert.False(t, reg.Reset("unknown"))

	err = reg.Do(ctx, " ", succeed)
	assert.True(t, resilience.IsCode(err, resilience.CodeValidation))
}

func TestStateChangeHook(t *testing.T) {
	var got []string
	cfg := Config{FailureThreshold: 1, Cooldown: cooldown}
	reg := NewRegistry(logger.Nop(), nil, RegistryConfig{
		Defaults: &cfg,
		OnStateChange: func(name string, from, to State) {
			got = append(got, name+":"+string(from)+"->"+string(to))
		},
	})
	ctx := context.Background()

	_ = reg.Do(ctx, "x", fail)
	waitCooldown()
	_ = reg.Do(ctx, "x", fail)
	reg.Reset("x")

	assert.Equal(t, []string{
		"x:closed->open",
		"x:open->half_open",
		"x:half_open->open",
		"x:open->closed",
	}, got)
}

func TestConcurrentCallsAreSafe(t *testing.T) {
	reg := newTestRegistry(t, Config{FailureThreshold: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.Do(ctx, "shared", fail)
		}()
	}
	wg.Wait()

	snap, _ := reg.State("shared")
	assert.Equal(t, 50, snap.FailureCount)
}

func TestHalfOpenExtraCallsRunUncounted(t *testing.T) {
	reg := newTestRegistry(t, Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: cooldown})
	ctx := context.Background()

	_ = reg.Do(ctx, "crm", fail)
	waitCooldown()

	// The first trial is still running when the second call arrives.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- reg.Do(ctx, "crm", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	require.ErrorIs(t, reg.Do(ctx, "crm", fail), errUpstream)
	snap, _ := reg.State("crm")
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.Equal(t, 0, snap.SuccessCount)

	close(release)
	require.NoError(t, <-done)
	snap, _ = reg.State("crm")
	assert.Equal(t, StateClosed, snap.State)
}

func TestNamesAreTrimmed(t *testing.T) {
	reg := NewRegistry(logger.Nop(), nil, RegistryConfig{
		Overrides: map[string]Config{"stripe ": {FailureThreshold: 7}},
	})
	reg.Configure(" gmail", Config{FailureThreshold: 3})
	ctx := context.Background()

	require.ErrorIs(t, reg.Do(ctx, "gmail ", fail), errUpstream)
	assert.Same(t, reg.Get("gmail"), reg.Get("  gmail\t"))

	snap, ok := reg.State(" gmail ")
	require.True(t, ok)
	assert.Equal(t, "gmail", snap.Name)
	assert.Equal(t, 3, snap.FailureThreshold)
	assert.Equal(t, 1, snap.FailureCount)

	assert.Equal(t, 7, reg.Get("stripe").Snapshot().FailureThreshold)
	assert.True(t, reg.Reset(" gmail"))
	require.Len(t, reg.Snapshot(), 2)
}
