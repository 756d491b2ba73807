package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/autoflow-backend/internal/http/response"
	"github.com/yungbote/autoflow-backend/internal/resilience/breaker"
)

type BreakerHandler struct {
	registry *breaker.Registry
}

func NewBreakerHandler(registry *breaker.Registry) *BreakerHandler {
	return &BreakerHandler{registry: registry}
}

// GET /api/admin/breakers
func (h *BreakerHandler) List(c *gin.Context) {
	response.RespondOK(c, gin.H{"breakers": h.registry.Snapshot()})
}

// POST /api/admin/breakers/:name/reset
func (h *BreakerHandler) Reset(c *gin.Context) {
	name := c.Param("name")
	if !h.registry.Reset(name) {
		response.RespondError(c, http.StatusNotFound, "breaker_not_found", errors.New("no breaker named "+name))
		return
	}
	snap, _ := h.registry.State(name)
	response.RespondOK(c, gin.H{"breaker": snap})
}
