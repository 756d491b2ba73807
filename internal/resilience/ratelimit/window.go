package ratelimit

import (
	"context"
	"time"
)

// Strategy labels the counting algorithm behind a decision.
const (
	StrategySlidingWindow = "sliding_window"
	StrategyFixedWindowDB = "fixed_window_db_approx"
	StrategyFailOpen      = "fail_open"
)

// Decision is the outcome of one atomic trim+count+admit.
type Decision struct {
	Allowed bool
	// Count is the number of requests in the window after this one was (or
	// was not) admitted.
	Count int
	// ResetAt is when the next slot frees up.
	ResetAt time.Time
}

// Window is a counting backend. Take must be atomic per key.
type Window interface {
	Strategy() string
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}
