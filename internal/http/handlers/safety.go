package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/autoflow-backend/internal/http/response"
	"github.com/yungbote/autoflow-backend/internal/resilience/safety"
)

type SafetyHandler struct {
	gate *safety.Gate
}

func NewSafetyHandler(gate *safety.Gate) *SafetyHandler {
	return &SafetyHandler{gate: gate}
}

// optionalOwner parses an owner id that may be empty (global scope).
func optionalOwner(raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// GET /api/admin/kill-switch
func (h *SafetyHandler) GetKillSwitch(c *gin.Context) {
	on, err := h.gate.GlobalKillSwitch(c.Request.Context())
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"enabled": on})
}

type killSwitchRequest struct {
	Enabled *bool  `json:"enabled" binding:"required"`
	OwnerID string `json:"owner_id"`
}

// PUT /api/admin/kill-switch
func (h *SafetyHandler) SetKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	owner, err := optionalOwner(req.OwnerID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_owner_id", err)
		return
	}
	if owner == nil {
		err = h.gate.ToggleGlobalKillSwitch(c.Request.Context(), *req.Enabled)
	} else {
		err = h.gate.ToggleOwnerKillSwitch(c.Request.Context(), *owner, *req.Enabled)
	}
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	scope := "global"
	if owner != nil {
		scope = owner.String()
	}
	response.RespondOK(c, gin.H{"scope": scope, "enabled": *req.Enabled})
}

// GET /api/admin/safety/config?owner_id=
func (h *SafetyHandler) GetConfig(c *gin.Context) {
	owner, err := optionalOwner(c.Query("owner_id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_owner_id", err)
		return
	}
	cfg, err := h.gate.GetConfig(c.Request.Context(), owner)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"config": cfg})
}

type upsertConfigRequest struct {
	OwnerID string        `json:"owner_id"`
	Limits  safety.Limits `json:"limits"`
}

// PUT /api/admin/safety/config
func (h *SafetyHandler) PutConfig(c *gin.Context) {
	var req upsertConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	owner, err := optionalOwner(req.OwnerID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_owner_id", err)
		return
	}
	row, err := h.gate.UpsertConfig(c.Request.Context(), owner, req.Limits)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"config": row})
}

type checkRequest struct {
	OwnerID       uuid.UUID `json:"owner_id" binding:"required"`
	ActionType    string    `json:"action_type" binding:"required"`
	TargetContact string    `json:"target_contact"`
}

// POST /api/admin/safety/check
// Read-only: nothing is appended to the audit log.
func (h *SafetyHandler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.gate.Check(c.Request.Context(), req.OwnerID, req.ActionType, req.TargetContact)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"result": res})
}

type oauthFailureRequest struct {
	OwnerID      uuid.UUID `json:"owner_id" binding:"required"`
	FailureType  string    `json:"failure_type"`
	ErrorMessage string    `json:"error_message"`
}

// POST /api/admin/safety/oauth-failures
func (h *SafetyHandler) LogOAuthFailure(c *gin.Context) {
	var req oauthFailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	out, err := h.gate.LogOAuthFailure(c.Request.Context(), req.OwnerID, req.FailureType, req.ErrorMessage)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"outcome": out})
}
