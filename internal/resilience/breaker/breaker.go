// Package breaker guards calls to flaky external dependencies with a
// closed/open/half_open state machine, one breaker per dependency name.
// The state machine itself is gobreaker's; this package adds fail-open
// pass-through, operator reset and the snapshot the admin API serves.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/yungbote/autoflow-backend/internal/resilience"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int
	// SuccessThreshold is both the number of half_open successes that close
	// the breaker and the number of half_open calls whose outcome is counted.
	SuccessThreshold int
	Cooldown         time.Duration
	// FailOpen lets calls through while open (cooldown not yet elapsed)
	// instead of rejecting them with a circuit_open error.
	FailOpen bool
	// IsFailure decides which errors count toward FailureThreshold. Errors it
	// rejects propagate without touching breaker state.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
		FailOpen:         true,
		IsFailure:        DefaultIsFailure,
	}
}

// DefaultIsFailure counts every error except caller cancellation and input
// validation errors.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if resilience.IsCode(err, resilience.CodeValidation) {
		return false
	}
	return true
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.IsFailure == nil {
		c.IsFailure = d.IsFailure
	}
	return c
}

// Snapshot is a point-in-time copy of one breaker's state.
type Snapshot struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	FailureCount      int       `json:"failure_count"`
	SuccessCount      int       `json:"success_count"`
	LastFailureAt     time.Time `json:"last_failure_at,omitempty"`
	LastStateChangeAt time.Time `json:"last_state_change_at"`
	FailureThreshold  int       `json:"failure_threshold"`
	SuccessThreshold  int       `json:"success_threshold"`
	CooldownSeconds   float64   `json:"cooldown_seconds"`
	FailOpen          bool      `json:"fail_open"`
}

type transition struct {
	from, to State
}

// errPanicked stands in for a panicking call so gobreaker excludes it.
var errPanicked = errors.New("breaker: call panicked")

type Breaker struct {
	name     string
	cfg      Config
	onChange func(name string, from, to State)

	// Lock order is cb's internal mutex, then mu. Never call into cb while
	// holding mu.
	mu              sync.Mutex
	cb              *gobreaker.CircuitBreaker[any]
	lastFailureAt   time.Time
	lastStateChange time.Time
	pending         []transition
}

func newBreaker(name string, cfg Config, onChange func(string, State, State)) *Breaker {
	b := &Breaker{
		name:            name,
		cfg:             cfg.normalized(),
		onChange:        onChange,
		lastStateChange: time.Now(),
	}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker[any] {
	threshold := uint32(b.cfg.FailureThreshold)
	isFailure := b.cfg.IsFailure
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: uint32(b.cfg.SuccessThreshold),
		Timeout:     b.cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsExcluded: func(err error) bool {
			if err == nil {
				return false
			}
			return errors.Is(err, errPanicked) || !isFailure(err)
		},
		OnStateChange: b.queueTransition,
	})
}

// queueTransition runs under gobreaker's lock; hooks are delivered later by
// flush.
func (b *Breaker) queueTransition(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	b.lastStateChange = time.Now()
	b.pending = append(b.pending, transition{from: stateOf(from), to: stateOf(to)})
	b.mu.Unlock()
}

func (b *Breaker) flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if b.onChange == nil {
		return
	}
	for _, tr := range pending {
		b.onChange(b.name, tr.from, tr.to)
	}
}

func (b *Breaker) circuit() *gobreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

func (b *Breaker) Name() string { return b.name }

// Do runs fn under the breaker. Calls let through an open breaker in
// fail-open mode, and half_open calls beyond SuccessThreshold in flight, do
// not affect state. A panic in fn propagates and leaves state untouched.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	defer b.flush()

	var (
		ran      bool
		callErr  error
		panicked any
	)
	_, err := b.circuit().Execute(func() (_ any, err error) {
		ran = true
		defer func() {
			if p := recover(); p != nil {
				panicked = p
				err = errPanicked
			}
		}()
		callErr = fn(ctx)
		return nil, callErr
	})
	if panicked != nil {
		panic(panicked)
	}

	if !ran {
		switch {
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			// half_open with every trial slot taken: run it, uncounted.
			return fn(ctx)
		case errors.Is(err, gobreaker.ErrOpenState):
			if !b.cfg.FailOpen {
				return resilience.CircuitOpen("breaker.call", b.name)
			}
			return fn(ctx)
		}
		return err
	}
	if callErr != nil && b.cfg.IsFailure(callErr) {
		b.mu.Lock()
		b.lastFailureAt = time.Now()
		b.mu.Unlock()
	}
	return callErr
}

func (b *Breaker) Snapshot() Snapshot {
	defer b.flush()
	cb := b.circuit()
	// State first: it may move open to half_open and clear the counts.
	state := stateOf(cb.State())
	counts := cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Name:              b.name,
		State:             state,
		LastFailureAt:     b.lastFailureAt,
		LastStateChangeAt: b.lastStateChange,
		FailureThreshold:  b.cfg.FailureThreshold,
		SuccessThreshold:  b.cfg.SuccessThreshold,
		CooldownSeconds:   b.cfg.Cooldown.Seconds(),
		FailOpen:          b.cfg.FailOpen,
	}
	switch state {
	case StateClosed:
		snap.FailureCount = int(counts.ConsecutiveFailures)
	case StateHalfOpen:
		snap.SuccessCount = int(counts.ConsecutiveSuccesses)
	}
	return snap
}

// Reset forces the breaker closed with zeroed counters. Calls still in flight
// against the replaced circuit are not counted.
func (b *Breaker) Reset() {
	defer b.flush()
	from := stateOf(b.circuit().State())
	fresh := b.newCircuit()

	b.mu.Lock()
	b.cb = fresh
	if from != StateClosed {
		b.lastStateChange = time.Now()
		b.pending = append(b.pending, transition{from: from, to: StateClosed})
	}
	b.mu.Unlock()
}
