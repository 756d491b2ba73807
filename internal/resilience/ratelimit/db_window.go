package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/yungbote/autoflow-backend/internal/data/repos"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
)

// DBFixedWindow is the degraded fallback used only while the primary window
// store is down. It counts rate_limit_hits rows since the calendar-aligned
// window start; count and insert are separate statements, so concurrent
// callers and window boundaries can over-admit.
type DBFixedWindow struct {
	hits repos.RateLimitHitRepo
}

func NewDBFixedWindow(hits repos.RateLimitHitRepo) *DBFixedWindow {
	return &DBFixedWindow{hits: hits}
}

func (w *DBFixedWindow) Strategy() string { return StrategyFixedWindowDB }

func (w *DBFixedWindow) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	name, identifier := splitKey(key)
	start := now.Truncate(window)
	reset := start.Add(window)
	dbc := dbctx.New(ctx)

	n, err := w.hits.CountSince(dbc, name, identifier, start)
	if err != nil {
		return Decision{}, err
	}
	if int(n) >= limit {
		return Decision{Allowed: false, Count: int(n), ResetAt: reset}, nil
	}
	if err := w.hits.Insert(dbc, name, identifier, now); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, Count: int(n) + 1, ResetAt: reset}, nil
}

// Sweep removes hit rows recorded before before.
func (w *DBFixedWindow) Sweep(ctx context.Context, before time.Time) (int64, error) {
	return w.hits.DeleteBefore(dbctx.New(ctx), before)
}

func windowKey(name, identifier string) string {
	return name + "|" + identifier
}

func splitKey(key string) (string, string) {
	name, identifier, ok := strings.Cut(key, "|")
	if !ok {
		return key, ""
	}
	return name, identifier
}
