package app

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/yungbote/autoflow-backend/internal/data/cache"
	"github.com/yungbote/autoflow-backend/internal/data/db"
	"github.com/yungbote/autoflow-backend/internal/jobs/sweeper"
	"github.com/yungbote/autoflow-backend/internal/platform/envutil"
	"github.com/yungbote/autoflow-backend/internal/resilience/breaker"
	"github.com/yungbote/autoflow-backend/internal/resilience/idempotency"
	"github.com/yungbote/autoflow-backend/internal/resilience/safety"
)

type Config struct {
	Env         string
	LogMode     string
	ServiceName string
	Version     string

	HTTPAddr       string
	MetricsAddr    string
	AllowedOrigins []string
	AdminJWTSecret string
	AdminTokenTTL  time.Duration

	DB          db.Options
	AutoMigrate bool
	Redis       cache.RedisConfig

	RateLimitsFile string
	Ledger         idempotency.Config
	Breaker        breaker.Config
	SafetyDefaults safety.Limits
	Sweep          sweeper.Config
	RunSweeper     bool
}

// LoadEnvFiles loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func LoadConfig() Config {
	ledger := idempotency.DefaultConfig()
	ledger.DefaultTTL = envutil.Duration("IDEMPOTENCY_TTL", ledger.DefaultTTL)
	ledger.StuckAfter = envutil.Duration("IDEMPOTENCY_STUCK_AFTER", ledger.StuckAfter)
	ledger.CacheTTL = envutil.Duration("IDEMPOTENCY_CACHE_TTL", ledger.CacheTTL)
	ledger.SweepBatch = envutil.Int("IDEMPOTENCY_SWEEP_BATCH", ledger.SweepBatch)

	br := breaker.DefaultConfig()
	br.FailureThreshold = envutil.Int("BREAKER_FAILURE_THRESHOLD", br.FailureThreshold)
	br.SuccessThreshold = envutil.Int("BREAKER_SUCCESS_THRESHOLD", br.SuccessThreshold)
	br.Cooldown = envutil.Duration("BREAKER_COOLDOWN", br.Cooldown)
	br.FailOpen = envutil.Bool("BREAKER_FAIL_OPEN", br.FailOpen)

	limits := safety.DefaultLimits()
	limits.MaxActionsPerContactPerDay = envutil.Int("SAFETY_MAX_PER_CONTACT_PER_DAY", limits.MaxActionsPerContactPerDay)
	limits.MaxActionsPerUserPer5Min = envutil.Int("SAFETY_MAX_PER_USER_PER_5MIN", limits.MaxActionsPerUserPer5Min)
	limits.MaxActionsPerUserPerHour = envutil.Int("SAFETY_MAX_PER_USER_PER_HOUR", limits.MaxActionsPerUserPerHour)
	limits.DryRunMode = envutil.Bool("SAFETY_DRY_RUN", limits.DryRunMode)
	limits.OAuthFailureThreshold = envutil.Int("SAFETY_OAUTH_FAILURE_THRESHOLD", limits.OAuthFailureThreshold)
	limits.OAuthFailureWindowSeconds = envutil.Int("SAFETY_OAUTH_FAILURE_WINDOW_SECONDS", limits.OAuthFailureWindowSeconds)

	return Config{
		Env:         envutil.String("APP_ENV", "development"),
		LogMode:     envutil.String("LOG_MODE", "development"),
		ServiceName: envutil.String("SERVICE_NAME", "autoflow"),
		Version:     envutil.String("SERVICE_VERSION", "dev"),

		HTTPAddr:       envutil.String("HTTP_ADDR", ":8080"),
		MetricsAddr:    envutil.String("METRICS_ADDR", ""),
		AllowedOrigins: splitList(envutil.String("CORS_ALLOWED_ORIGINS", "")),
		AdminJWTSecret: envutil.String("ADMIN_JWT_SECRET", ""),
		AdminTokenTTL:  envutil.Duration("ADMIN_TOKEN_TTL", 12*time.Hour),

		DB:          db.OptionsFromEnv(),
		AutoMigrate: envutil.Bool("DB_AUTO_MIGRATE", true),
		Redis: cache.RedisConfig{
			Addr:     envutil.String("REDIS_ADDR", ""),
			Password: envutil.String("REDIS_PASSWORD", ""),
			DB:       envutil.Int("REDIS_DB", 0),
			Prefix:   envutil.String("REDIS_PREFIX", "autoflow:"),
		},

		RateLimitsFile: envutil.String("RATE_LIMITS_FILE", ""),
		Ledger:         ledger,
		Breaker:        br,
		SafetyDefaults: limits,
		Sweep:          sweeper.ConfigFromEnv(),
		RunSweeper:     envutil.Bool("SWEEPER_ENABLED", true),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
