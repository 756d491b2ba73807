package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/autoflow-backend/internal/platform/envutil"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

const namespace = "autoflow"

// Metrics owns a private prometheus registry. Every recorder is safe to call
// on a nil *Metrics so components never branch on whether metrics are on.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	rateLimitDecisions *prometheus.CounterVec
	rateLimitLatency   *prometheus.HistogramVec
	rateLimitFailOpen  *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerCalls       *prometheus.CounterVec

	idempotencyOps *prometheus.CounterVec

	safetyDecisions *prometheus.CounterVec
	autoPauses      prometheus.Counter
	killSwitch      prometheus.Gauge

	guardOutcomes *prometheus.CounterVec

	sweepRemoved  *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec

	dbStats   *prometheus.GaugeVec
	redisUp   prometheus.Gauge
	redisPing prometheus.Gauge
}

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", true)
}

func scrapeInterval() time.Duration {
	d := envutil.Duration("METRICS_SCRAPE_INTERVAL", 15*time.Second)
	if d < time.Second {
		return time.Second
	}
	return d
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total admin API requests by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Admin API request latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route", "status"}),
		apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_inflight_requests",
			Help:      "In-flight admin API requests.",
		}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by limit, counting strategy and outcome.",
		}, []string{"limit", "strategy", "outcome"}),
		rateLimitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Rate limit check latency by strategy.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"strategy"}),
		rateLimitFailOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Requests admitted unbounded because no counting backend could decide.",
		}, []string{"limit"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"dependency"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"dependency", "from", "to"}),
		breakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "calls_total",
			Help:      "Calls through circuit breakers by result.",
		}, []string{"dependency", "result"}),
		idempotencyOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "operations_total",
			Help:      "Idempotency ledger operations by op and outcome.",
		}, []string{"op", "outcome"}),
		safetyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "decisions_total",
			Help:      "Safety gate decisions by reason (allowed when admitted).",
		}, []string{"reason"}),
		autoPauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "oauth_auto_pauses_total",
			Help:      "Owners whose rules were auto-paused after repeated OAuth failures.",
		}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "global_kill_switch",
			Help:      "Last observed global kill switch value (1=on).",
		}),
		guardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "actions_total",
			Help:      "Guarded automation actions by action type and outcome.",
		}, []string{"action_type", "outcome"}),
		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "removed_total",
			Help:      "Rows removed by background sweeps.",
		}, []string{"job"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Background sweep duration by job and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job", "status"}),
		dbStats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool",
			Help:      "database/sql pool statistics.",
		}, []string{"stat"}),
		redisUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_up",
			Help:      "Whether the last redis ping succeeded.",
		}),
		redisPing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_ping_seconds",
			Help:      "Last redis ping latency in seconds.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.rateLimitDecisions, m.rateLimitLatency, m.rateLimitFailOpen,
		m.breakerState, m.breakerTransitions, m.breakerCalls,
		m.idempotencyOps,
		m.safetyDecisions, m.autoPauses, m.killSwitch,
		m.guardOutcomes,
		m.sweepRemoved, m.sweepDuration,
		m.dbStats, m.redisUp, m.redisPing,
	)
	return m
}

// Init returns nil when METRICS_ENABLED is false.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		if log != nil {
			log.Info("metrics disabled")
		}
		return nil
	}
	return NewMetrics()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on a dedicated listener until ctx is done. An
// empty addr leaves scraping to the main router.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveRateLimit(limit, strategy, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(limit, strategy, outcome).Inc()
	m.rateLimitLatency.WithLabelValues(strategy).Observe(dur.Seconds())
}

func (m *Metrics) IncRateLimitFailOpen(limit string) {
	if m == nil {
		return
	}
	m.rateLimitFailOpen.WithLabelValues(limit).Inc()
}

// SetBreakerState takes one of "closed", "half_open", "open".
func (m *Metrics) SetBreakerState(dependency, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(dependency).Set(v)
}

func (m *Metrics) IncBreakerTransition(dependency, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(dependency, from, to).Inc()
	m.SetBreakerState(dependency, to)
}

func (m *Metrics) IncBreakerCall(dependency, result string) {
	if m == nil {
		return
	}
	m.breakerCalls.WithLabelValues(dependency, result).Inc()
}

func (m *Metrics) IncIdempotency(op, outcome string) {
	if m == nil {
		return
	}
	m.idempotencyOps.WithLabelValues(op, outcome).Inc()
}

// IncSafetyDecision counts an admitted check when reason is empty.
func (m *Metrics) IncSafetyDecision(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "allowed"
	}
	m.safetyDecisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncAutoPause() {
	if m == nil {
		return
	}
	m.autoPauses.Inc()
}

func (m *Metrics) SetGlobalKillSwitch(on bool) {
	if m == nil {
		return
	}
	if on {
		m.killSwitch.Set(1)
		return
	}
	m.killSwitch.Set(0)
}

func (m *Metrics) IncGuardOutcome(actionType, outcome string) {
	if m == nil {
		return
	}
	m.guardOutcomes.WithLabelValues(actionType, outcome).Inc()
}

func (m *Metrics) ObserveSweep(job, status string, removed int64, dur time.Duration) {
	if m == nil {
		return
	}
	if removed > 0 {
		m.sweepRemoved.WithLabelValues(job).Add(float64(removed))
	}
	m.sweepDuration.WithLabelValues(job, status).Observe(dur.Seconds())
}

func (m *Metrics) StartDBCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: db stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.dbStats.WithLabelValues("open_connections").Set(float64(stats.OpenConnections))
				m.dbStats.WithLabelValues("in_use").Set(float64(stats.InUse))
				m.dbStats.WithLabelValues("idle").Set(float64(stats.Idle))
				m.dbStats.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
				m.dbStats.WithLabelValues("wait_duration_seconds").Set(stats.WaitDuration.Seconds())
				m.dbStats.WithLabelValues("max_open_connections").Set(float64(stats.MaxOpenConnections))
			}
		}
	}()
}

// StartRedisCollector pings the shared client; it does not own or close it.
func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb redis.UniversalClient) {
	if m == nil || rdb == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}
