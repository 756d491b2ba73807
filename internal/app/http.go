package app

import (
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/autoflow-backend/internal/http"
	httpH "github.com/yungbote/autoflow-backend/internal/http/handlers"
	httpMW "github.com/yungbote/autoflow-backend/internal/http/middleware"
	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type Middleware struct {
	AdminAuth *httpMW.AdminAuth
}

type Handlers struct {
	Health      *httpH.HealthHandler
	Safety      *httpH.SafetyHandler
	Breakers    *httpH.BreakerHandler
	RateLimits  *httpH.RateLimitHandler
	Idempotency *httpH.IdempotencyHandler
}

func wireHandlers(log *logger.Logger, db *gorm.DB, rdb goredis.UniversalClient, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:      httpH.NewHealthHandler(db, rdb),
		Safety:      httpH.NewSafetyHandler(services.Gate),
		Breakers:    httpH.NewBreakerHandler(services.Breakers),
		RateLimits:  httpH.NewRateLimitHandler(services.Limiter),
		Idempotency: httpH.NewIdempotencyHandler(services.Ledger),
	}
}

func wireMiddleware(log *logger.Logger, cfg Config) Middleware {
	log.Info("Wiring middleware...")
	if cfg.AdminJWTSecret == "" {
		log.Warn("ADMIN_JWT_SECRET not set, admin API will refuse every request")
	}
	return Middleware{
		AdminAuth: httpMW.NewAdminAuth(log, cfg.AdminJWTSecret),
	}
}

func wireRouter(log *logger.Logger, cfg Config, metrics *observability.Metrics, handlers Handlers, middleware Middleware) *gin.Engine {
	return http.NewRouter(http.RouterConfig{
		Log:                log,
		Metrics:            metrics,
		ServiceName:        cfg.ServiceName,
		AllowedOrigins:     cfg.AllowedOrigins,
		AdminAuth:          middleware.AdminAuth,
		HealthHandler:      handlers.Health,
		SafetyHandler:      handlers.Safety,
		BreakerHandler:     handlers.Breakers,
		RateLimitHandler:   handlers.RateLimits,
		IdempotencyHandler: handlers.Idempotency,
	})
}
