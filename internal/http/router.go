package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/autoflow-backend/internal/http/handlers"
	httpMW "github.com/yungbote/autoflow-backend/internal/http/middleware"
	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	Metrics        *observability.Metrics
	ServiceName    string
	AllowedOrigins []string

	AdminAuth *httpMW.AdminAuth

	HealthHandler      *httpH.HealthHandler
	SafetyHandler      *httpH.SafetyHandler
	BreakerHandler     *httpH.BreakerHandler
	RateLimitHandler   *httpH.RateLimitHandler
	IdempotencyHandler *httpH.IdempotencyHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	admin := r.Group("/api/admin")
	{
		// Middleware
		if cfg.AdminAuth != nil {
			admin.Use(cfg.AdminAuth.RequireOperator())
		}

		// Safety gate
		if cfg.SafetyHandler != nil {
			admin.GET("/kill-switch", cfg.SafetyHandler.GetKillSwitch)
			admin.PUT("/kill-switch", cfg.SafetyHandler.SetKillSwitch)
			admin.GET("/safety/config", cfg.SafetyHandler.GetConfig)
			admin.PUT("/safety/config", cfg.SafetyHandler.PutConfig)
			admin.POST("/safety/check", cfg.SafetyHandler.Check)
			admin.POST("/safety/oauth-failures", cfg.SafetyHandler.LogOAuthFailure)
		}

		// Circuit breakers
		if cfg.BreakerHandler != nil {
			admin.GET("/breakers", cfg.BreakerHandler.List)
			admin.POST("/breakers/:name/reset", cfg.BreakerHandler.Reset)
		}

		// Rate limits
		if cfg.RateLimitHandler != nil {
			admin.GET("/ratelimits", cfg.RateLimitHandler.List)
			admin.POST("/ratelimits/:name/check", cfg.RateLimitHandler.Check)
		}

		// Idempotency ledger
		if cfg.IdempotencyHandler != nil {
			admin.GET("/idempotency/:key", cfg.IdempotencyHandler.Get)
		}
	}

	return r
}
