package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db  *gorm.DB
	rdb goredis.UniversalClient
}

// NewHealthHandler checks db and, when non-nil, redis.
func NewHealthHandler(db *gorm.DB, rdb goredis.UniversalClient) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb}
}

// GET /healthcheck
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	if h.db != nil {
		checks["database"] = "ok"
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			checks["database"] = "unavailable"
			healthy = false
		}
	}
	if h.rdb != nil {
		// The limiter and ledger degrade without redis, so it never fails the check.
		checks["redis"] = "ok"
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			checks["redis"] = "degraded"
		}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unavailable"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}
