// Package sweeper runs the periodic cleanup of control-plane state on cron
// schedules.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/envutil"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
	"github.com/yungbote/autoflow-backend/internal/resilience/idempotency"
	"github.com/yungbote/autoflow-backend/internal/resilience/ratelimit"
)

const (
	JobExpiredKeys  = "idempotency_expired"
	JobStuckPending = "idempotency_stuck_pending"
	JobRateLimitHit = "ratelimit_hits"
)

// Job is one named cleanup task. Run returns how many items it removed.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int64, error)
}

type Config struct {
	ExpiredSpec  string
	StuckSpec    string
	HitsSpec     string
	HitRetention time.Duration
	// Extra jobs, e.g. in-process window pruning.
	Extra []Job
}

func DefaultConfig() Config {
	return Config{
		ExpiredSpec:  "@every 5m",
		StuckSpec:    "@every 1m",
		HitsSpec:     "@every 10m",
		HitRetention: 24 * time.Hour,
	}
}

// ConfigFromEnv overlays SWEEP_* variables on DefaultConfig.
func ConfigFromEnv() Config {
	d := DefaultConfig()
	return Config{
		ExpiredSpec:  envutil.String("SWEEP_EXPIRED_SPEC", d.ExpiredSpec),
		StuckSpec:    envutil.String("SWEEP_STUCK_SPEC", d.StuckSpec),
		HitsSpec:     envutil.String("SWEEP_HITS_SPEC", d.HitsSpec),
		HitRetention: envutil.Duration("SWEEP_HIT_RETENTION", d.HitRetention),
	}
}

type Sweeper struct {
	log     *logger.Logger
	metrics *observability.Metrics
	cron    *cron.Cron
	jobs    []Job
}

// New registers the ledger and limiter jobs plus cfg.Extra. limiter may be
// nil.
func New(baseLog *logger.Logger, ledger *idempotency.Ledger, limiter *ratelimit.Limiter, metrics *observability.Metrics, cfg Config) (*Sweeper, error) {
	d := DefaultConfig()
	if cfg.ExpiredSpec == "" {
		cfg.ExpiredSpec = d.ExpiredSpec
	}
	if cfg.StuckSpec == "" {
		cfg.StuckSpec = d.StuckSpec
	}
	if cfg.HitsSpec == "" {
		cfg.HitsSpec = d.HitsSpec
	}
	if cfg.HitRetention <= 0 {
		cfg.HitRetention = d.HitRetention
	}

	log := baseLog.With("component", "Sweeper")
	s := &Sweeper{
		log:     log,
		metrics: metrics,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{log}),
			cron.SkipIfStillRunning(cronLogger{log}),
		)),
	}

	var jobs []Job
	if ledger != nil {
		jobs = append(jobs,
			Job{Name: JobExpiredKeys, Spec: cfg.ExpiredSpec, Run: ledger.SweepExpired},
			Job{Name: JobStuckPending, Spec: cfg.StuckSpec, Run: ledger.ReapStuckPending},
		)
	}
	if limiter != nil {
		retention := cfg.HitRetention
		jobs = append(jobs, Job{
			Name: JobRateLimitHit,
			Spec: cfg.HitsSpec,
			Run: func(ctx context.Context) (int64, error) {
				return limiter.SweepHits(ctx, retention)
			},
		})
	}
	jobs = append(jobs, cfg.Extra...)

	for _, j := range jobs {
		if err := s.add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sweeper) add(j Job) error {
	if strings.TrimSpace(j.Name) == "" || j.Run == nil {
		return errors.New("sweeper: job needs a name and a run func")
	}
	job := j
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(context.Background(), job) }); err != nil {
		return fmt.Errorf("sweeper: schedule %s %q: %w", job.Name, job.Spec, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *Sweeper) run(ctx context.Context, j Job) (int64, error) {
	started := time.Now()
	n, err := j.Run(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		s.log.Warn("sweep failed", "job", j.Name, "removed", n, "error", err)
	} else if n > 0 {
		s.log.Debug("sweep finished", "job", j.Name, "removed", n)
	}
	s.metrics.ObserveSweep(j.Name, status, n, time.Since(started))
	return n, err
}

// Start runs the schedules until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info("Starting sweeper", "jobs", len(s.jobs))
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the scheduler and waits for running jobs.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce runs every job sequentially and reports what each removed. It keeps
// going after a failing job.
func (s *Sweeper) RunOnce(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(s.jobs))
	var errs []error
	for _, j := range s.jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := s.run(ctx, j)
		out[j.Name] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, err))
		}
	}
	return out, errors.Join(errs...)
}

// Jobs lists the registered job names in registration order.
func (s *Sweeper) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

type cronLogger struct{ log *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
