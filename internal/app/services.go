package app

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/autoflow-backend/internal/data/repos"
	"github.com/yungbote/autoflow-backend/internal/jobs/sweeper"
	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
	"github.com/yungbote/autoflow-backend/internal/resilience/breaker"
	"github.com/yungbote/autoflow-backend/internal/resilience/guard"
	"github.com/yungbote/autoflow-backend/internal/resilience/idempotency"
	"github.com/yungbote/autoflow-backend/internal/resilience/ratelimit"
	"github.com/yungbote/autoflow-backend/internal/resilience/safety"
)

type Services struct {
	Limiter  *ratelimit.Limiter
	Ledger   *idempotency.Ledger
	Breakers *breaker.Registry
	Gate     *safety.Gate
	Guard    *guard.Guard
	Sweeper  *sweeper.Sweeper
}

func wireServices(log *logger.Logger, cfg Config, reposet repos.Set, clients Clients, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	// An empty path yields the built-in definitions.
	defs, err := ratelimit.LoadDefinitions(cfg.RateLimitsFile)
	if err != nil {
		return Services{}, fmt.Errorf("load rate limits: %w", err)
	}

	var (
		primary ratelimit.Window
		memWin  *ratelimit.MemoryWindow
	)
	if clients.Redis != nil {
		primary = ratelimit.NewRedisWindow(clients.Redis, cfg.Redis.Prefix+"rl:")
	} else {
		memWin = ratelimit.NewMemoryWindow()
		primary = memWin
	}
	limiter, err := ratelimit.NewLimiter(log, reposet.RateLimitViolation, metrics, ratelimit.Config{
		Definitions: defs,
		Primary:     primary,
		Fallback:    ratelimit.NewDBFixedWindow(reposet.RateLimitHits),
	})
	if err != nil {
		return Services{}, fmt.Errorf("init rate limiter: %w", err)
	}

	ledger := idempotency.NewLedger(log, reposet.IdempotencyKeys, clients.Cache, metrics, cfg.Ledger)

	brCfg := cfg.Breaker
	breakers := breaker.NewRegistry(log, metrics, breaker.RegistryConfig{Defaults: &brCfg})

	gate := safety.NewGate(log, safety.Deps{
		Configs:       reposet.SafetyConfig,
		Actions:       reposet.ActionLog,
		OAuthFailures: reposet.OAuthFailures,
		Rules:         reposet.Rules,
	}, metrics, safety.Config{
		Defaults:           cfg.SafetyDefaults,
		ContactActionTypes: safety.DefaultContactActionTypes(),
		Now:                time.Now,
	})

	sweepCfg := cfg.Sweep
	if memWin != nil {
		sweepCfg.Extra = append(sweepCfg.Extra, sweeper.Job{
			Name: "memory_windows",
			Spec: "@every 1m",
			Run: func(context.Context) (int64, error) {
				return int64(memWin.Prune(time.Now())), nil
			},
		})
	}
	if clients.MemoryCache != nil {
		mem := clients.MemoryCache
		sweepCfg.Extra = append(sweepCfg.Extra, sweeper.Job{
			Name: "memory_cache",
			Spec: "@every 5m",
			Run: func(context.Context) (int64, error) {
				return int64(mem.Purge()), nil
			},
		})
	}
	sw, err := sweeper.New(log, ledger, limiter, metrics, sweepCfg)
	if err != nil {
		return Services{}, err
	}

	return Services{
		Limiter:  limiter,
		Ledger:   ledger,
		Breakers: breakers,
		Gate:     gate,
		Guard:    guard.New(log, limiter, gate, ledger, breakers, metrics),
		Sweeper:  sw,
	}, nil
}
