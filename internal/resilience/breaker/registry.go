package breaker

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
	"github.com/yungbote/autoflow-backend/internal/resilience"
)

type RegistryConfig struct {
	// Defaults applies to every dependency without an override. Zero value
	// means DefaultConfig().
	Defaults  *Config
	Overrides map[string]Config
	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// Registry owns the breakers of one process. Build it once at startup and pass
// it to every caller that wraps an external dependency.
type Registry struct {
	log      *logger.Logger
	metrics  *observability.Metrics
	defaults Config
	hook     func(string, State, State)

	mu        sync.RWMutex
	overrides map[string]Config
	breakers  map[string]*Breaker
}

func NewRegistry(baseLog *logger.Logger, metrics *observability.Metrics, cfg RegistryConfig) *Registry {
	defaults := DefaultConfig()
	if cfg.Defaults != nil {
		defaults = cfg.Defaults.normalized()
	}
	overrides := make(map[string]Config, len(cfg.Overrides))
	for name, c := range cfg.Overrides {
		overrides[strings.TrimSpace(name)] = c
	}
	return &Registry{
		log:       baseLog.With("component", "BreakerRegistry"),
		metrics:   metrics,
		defaults:  defaults,
		hook:      cfg.OnStateChange,
		overrides: overrides,
		breakers:  map[string]*Breaker{},
	}
}

// Configure sets the config used when name's breaker is first created. It has
// no effect on a breaker that already exists.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[strings.TrimSpace(name)] = cfg
}

// Get returns name's breaker, creating it on first use. Names are compared
// after trimming surrounding whitespace.
func (r *Registry) Get(name string) *Breaker {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	b := r.breakers[name]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.breakers[name]; b != nil {
		return b
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	b = newBreaker(name, cfg, r.onStateChange)
	r.breakers[name] = b
	r.metrics.SetBreakerState(name, string(StateClosed))
	return b
}

func (r *Registry) onStateChange(name string, from, to State) {
	switch to {
	case StateOpen:
		r.log.Warn("circuit opened", "dependency", name, "from", string(from))
	default:
		r.log.Info("circuit state changed", "dependency", name, "from", string(from), "to", string(to))
	}
	r.metrics.IncBreakerTransition(name, string(from), string(to))
	if r.hook != nil {
		r.hook(name, from, to)
	}
}

// Do runs fn under name's breaker.
func (r *Registry) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return resilience.Validation("breaker.call", "dependency name is required")
	}
	err := r.Get(name).Do(ctx, fn)
	r.metrics.IncBreakerCall(name, callResult(err))
	return err
}

// State returns name's snapshot without creating a breaker.
func (r *Registry) State(name string) (Snapshot, bool) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	b := r.breakers[name]
	r.mu.RUnlock()
	if b == nil {
		return Snapshot{}, false
	}
	return b.Snapshot(), true
}

// Snapshot lists every known breaker sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes name's breaker. It reports false for unknown names.
func (r *Registry) Reset(name string) bool {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	b := r.breakers[name]
	r.mu.RUnlock()
	if b == nil {
		return false
	}
	b.Reset()
	r.log.Info("circuit reset by operator", "dependency", name)
	return true
}

// Call runs fn under name's breaker and returns its value.
func Call[T any](ctx context.Context, r *Registry, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case resilience.IsCode(err, resilience.CodeCircuitOpen):
		return "rejected"
	default:
		return "failure"
	}
}
