// Package resilience holds the error taxonomy shared by the automation control
// plane: the idempotency ledger, the rate limiter, the circuit breaker registry
// and the safety gate.
package resilience

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code classifies a control-plane failure.
type Code string

const (
	CodeValidation          Code = "validation"
	CodeRateLimited         Code = "rate_limited"
	CodeCircuitOpen         Code = "circuit_open"
	CodeIdempotencyConflict Code = "idempotency_conflict"
	CodeSafetyBlocked       Code = "safety_blocked"
	CodeStorage             Code = "storage"
)

// Safety block reasons.
const (
	ReasonGlobalKillSwitch  = "global_kill_switch"
	ReasonUserKillSwitch    = "user_kill_switch"
	ReasonContactDailyLimit = "contact_daily_limit"
	ReasonUserBurstLimit    = "user_burst_limit"
	ReasonUserHourlyLimit   = "user_hourly_limit"
)

// Error is the canonical control-plane error. Only the fields relevant to Code are set.
type Error struct {
	Code    Code
	Op      string
	Message string

	RetryAfter time.Duration // rate_limited
	Dependency string        // circuit_open
	Reason     string        // safety_blocked
	Key        string        // idempotency_conflict

	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the caller may retry the same operation later.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeRateLimited, CodeCircuitOpen, CodeSafetyBlocked, CodeStorage, CodeIdempotencyConflict:
		return true
	default:
		return false
	}
}

func Validation(op, msg string) error {
	return &Error{Code: CodeValidation, Op: op, Message: strings.TrimSpace(msg)}
}

func Validationf(op, format string, args ...any) error {
	return Validation(op, fmt.Sprintf(format, args...))
}

func RateLimited(op, limit string, retryAfter time.Duration) error {
	return &Error{
		Code:       CodeRateLimited,
		Op:         op,
		Message:    fmt.Sprintf("rate limit %q exceeded", limit),
		RetryAfter: retryAfter,
	}
}

func CircuitOpen(op, dependency string) error {
	return &Error{
		Code:       CodeCircuitOpen,
		Op:         op,
		Message:    fmt.Sprintf("circuit open for %s", dependency),
		Dependency: dependency,
	}
}

func IdempotencyConflict(op, key, msg string) error {
	if msg == "" {
		msg = "operation already in flight"
	}
	return &Error{Code: CodeIdempotencyConflict, Op: op, Message: msg, Key: key}
}

func SafetyBlocked(op, reason string) error {
	return &Error{
		Code:    CodeSafetyBlocked,
		Op:      op,
		Message: "automation blocked: " + reason,
		Reason:  reason,
	}
}

// Storage wraps a backend failure. Nil in, nil out.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Code: CodeStorage, Op: op, Message: err.Error(), Cause: err}
}

func IsCode(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// RetryAfterOf returns the retry hint carried by a rate_limited error, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if !errors.As(err, &e) {
		return 0
	}
	return e.RetryAfter
}

// ReasonOf returns the safety block reason, or "".
func ReasonOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Reason
}

// PublicMessage is the end-user safe rendering of err. Dependency names and
// storage details never leave the process.
func PublicMessage(err error) string {
	switch CodeOf(err) {
	case CodeValidation:
		var e *Error
		errors.As(err, &e)
		return e.Message
	case CodeRateLimited:
		return "too many requests, retry later"
	case CodeCircuitOpen:
		return "service temporarily degraded"
	case CodeIdempotencyConflict:
		return "an identical request is already being processed"
	case CodeSafetyBlocked:
		return "automation paused by safety limits: " + ReasonOf(err)
	case CodeStorage:
		return "temporary storage failure, retry later"
	default:
		return "internal error"
	}
}
