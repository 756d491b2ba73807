package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/yungbote/autoflow-backend/internal/resilience"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// StatusFor maps a control-plane error code to its HTTP status.
func StatusFor(code resilience.Code) int {
	switch code {
	case resilience.CodeValidation:
		return http.StatusBadRequest
	case resilience.CodeRateLimited:
		return http.StatusTooManyRequests
	case resilience.CodeCircuitOpen, resilience.CodeStorage:
		return http.StatusServiceUnavailable
	case resilience.CodeIdempotencyConflict:
		return http.StatusConflict
	case resilience.CodeSafetyBlocked:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// From converts any error into an *Error whose message is safe to return to
// a client. An *Error already in the chain is returned as is.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	code := resilience.CodeOf(err)
	if code == "" {
		return New(http.StatusInternalServerError, "internal", errors.New(resilience.PublicMessage(err)))
	}
	return New(StatusFor(code), string(code), errors.New(resilience.PublicMessage(err)))
}
