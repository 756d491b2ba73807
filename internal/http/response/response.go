package response

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/autoflow-backend/internal/platform/apierr"
	"github.com/yungbote/autoflow-backend/internal/resilience"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondErr maps err through apierr. Rate-limited errors carry Retry-After.
func RespondErr(c *gin.Context, err error) {
	ae := apierr.From(err)
	if ra := resilience.RetryAfterOf(err); ra > 0 {
		SetRetryAfter(c, ra)
	}
	c.JSON(ae.Status, ErrorEnvelope{
		Error: APIError{
			Message: ae.Error(),
			Code:    ae.Code,
			Reason:  resilience.ReasonOf(err),
		},
	})
}

// SetRetryAfter writes d as whole seconds, rounded up, minimum 1.
func SetRetryAfter(c *gin.Context, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
