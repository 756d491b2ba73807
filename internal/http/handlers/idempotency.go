package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/autoflow-backend/internal/http/response"
	"github.com/yungbote/autoflow-backend/internal/resilience/idempotency"
)

type IdempotencyHandler struct {
	ledger *idempotency.Ledger
}

func NewIdempotencyHandler(ledger *idempotency.Ledger) *IdempotencyHandler {
	return &IdempotencyHandler{ledger: ledger}
}

// GET /api/admin/idempotency/:key
func (h *IdempotencyHandler) Get(c *gin.Context) {
	rec, err := h.ledger.Check(c.Request.Context(), c.Param("key"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if rec == nil {
		response.RespondError(c, http.StatusNotFound, "idempotency_key_not_found", errors.New("no live record for key"))
		return
	}
	response.RespondOK(c, gin.H{"record": rec})
}
