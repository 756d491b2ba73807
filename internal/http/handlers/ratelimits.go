package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/autoflow-backend/internal/http/response"
	"github.com/yungbote/autoflow-backend/internal/resilience/ratelimit"
)

type RateLimitHandler struct {
	limiter *ratelimit.Limiter
}

func NewRateLimitHandler(limiter *ratelimit.Limiter) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

// GET /api/admin/ratelimits
func (h *RateLimitHandler) List(c *gin.Context) {
	response.RespondOK(c, gin.H{"limits": h.limiter.Definitions()})
}

type rateLimitCheckRequest struct {
	UserID    string `json:"user_id"`
	IP        string `json:"ip"`
	Endpoint  string `json:"endpoint"`
	CustomKey string `json:"custom_key"`
}

// POST /api/admin/ratelimits/:name/check
// Counts one request against the limit, exactly like an in-process caller.
func (h *RateLimitHandler) Check(c *gin.Context) {
	var req rateLimitCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	rc := ratelimit.RequestContext{
		UserID:    req.UserID,
		IP:        req.IP,
		Endpoint:  req.Endpoint,
		CustomKey: req.CustomKey,
	}
	if rc.IP == "" {
		rc.IP = c.ClientIP()
	}
	res, err := h.limiter.Check(c.Request.Context(), c.Param("name"), rc)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if !res.Unbounded {
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	if !res.Allowed {
		response.SetRetryAfter(c, res.RetryAfter)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":  response.APIError{Message: "too many requests, retry later", Code: "rate_limited"},
			"result": res,
		})
		return
	}
	response.RespondOK(c, gin.H{"result": res})
}
