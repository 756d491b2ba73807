// Package idempotency records whether a logical operation was already
// attempted, so retried automation never repeats a side effect.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"github.com/yungbote/autoflow-backend/internal/data/cache"
	"github.com/yungbote/autoflow-backend/internal/data/repos"
	types "github.com/yungbote/autoflow-backend/internal/domain"
	domainidem "github.com/yungbote/autoflow-backend/internal/domain/idempotency"
	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
	"github.com/yungbote/autoflow-backend/internal/resilience"
)

const (
	StatusPending   = domainidem.StatusPending
	StatusCompleted = domainidem.StatusCompleted
	StatusFailed    = domainidem.StatusFailed
)

const cachePrefix = "idem:"

type Config struct {
	DefaultTTL time.Duration
	// StuckAfter is how long a pending record may sit before Reserve may
	// reclaim it. It must exceed the longest protected operation.
	StuckAfter time.Duration
	// CacheTTL caps how long a terminal record stays in the fast cache.
	CacheTTL   time.Duration
	SweepBatch int
	Now        func() time.Time
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL: 24 * time.Hour,
		StuckAfter: 10 * time.Minute,
		CacheTTL:   10 * time.Minute,
		SweepBatch: 500,
		Now:        time.Now,
	}
}

type ReserveInput struct {
	Key           string
	OperationType string
	OwnerID       uuid.UUID
	Payload       any
	TTL           time.Duration
}

type Ledger struct {
	log     *logger.Logger
	repo    repos.IdempotencyKeyRepo
	cache   cache.Cache
	metrics *observability.Metrics
	cfg     Config
	group   singleflight.Group
}

// NewLedger wires the ledger over its durable repo. c may be nil.
func NewLedger(baseLog *logger.Logger, repo repos.IdempotencyKeyRepo, c cache.Cache, metrics *observability.Metrics, cfg Config) *Ledger {
	d := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = d.DefaultTTL
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = d.StuckAfter
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = d.CacheTTL
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = d.SweepBatch
	}
	if cfg.Now == nil {
		cfg.Now = d.Now
	}
	return &Ledger{
		log:     baseLog.With("component", "IdempotencyLedger"),
		repo:    repo,
		cache:   c,
		metrics: metrics,
		cfg:     cfg,
	}
}

func (l *Ledger) now() time.Time { return l.cfg.Now().UTC() }

// Check returns the live record for key, or nil when absent or expired.
func (l *Ledger) Check(ctx context.Context, key string) (*types.IdempotencyKey, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, resilience.Validation("idempotency.check", "key is required")
	}

	if rec, ok := l.cacheGet(ctx, key); ok {
		if !rec.Expired(l.now()) {
			l.metrics.IncIdempotency("check", "cache_hit")
			return rec, nil
		}
		l.cacheDelete(ctx, key)
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		rec, err := l.repo.GetByKey(dbctx.New(ctx), key)
		if err != nil {
			return nil, resilience.Storage("idempotency.check", err)
		}
		if rec == nil || rec.Expired(l.now()) {
			return nil, nil
		}
		if rec.Terminal() {
			l.cacheSet(ctx, rec)
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	rec, _ := v.(*types.IdempotencyKey)
	if rec == nil {
		l.metrics.IncIdempotency("check", "miss")
		return nil, nil
	}
	l.metrics.IncIdempotency("check", "store_hit")
	cp := *rec
	return &cp, nil
}

// Reserve creates a pending record iff none is live for in.Key. False means
// another attempt owns the key; consult Check to see how far it got.
func (l *Ledger) Reserve(ctx context.Context, in ReserveInput) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "idempotency.reserve", attribute.String("operation_type", in.OperationType))
	ok, err := l.reserve(ctx, in)
	span.SetAttributes(attribute.Bool("reserved", ok))
	observability.EndSpan(span, err)
	return ok, err
}

func (l *Ledger) reserve(ctx context.Context, in ReserveInput) (bool, error) {
	in.Key = strings.TrimSpace(in.Key)
	in.OperationType = strings.TrimSpace(in.OperationType)
	if in.Key == "" {
		return false, resilience.Validation("idempotency.reserve", "key is required")
	}
	if in.OperationType == "" {
		return false, resilience.Validation("idempotency.reserve", "operation_type is required")
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = l.cfg.DefaultTTL
	}
	fp, err := Fingerprint(in.Payload)
	if err != nil {
		return false, err
	}

	now := l.now()
	rec := &types.IdempotencyKey{
		Key:                in.Key,
		OperationType:      in.OperationType,
		OwnerID:            in.OwnerID,
		RequestFingerprint: fp,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(ttl),
	}
	dbc := dbctx.New(ctx)

	inserted, err := l.repo.InsertIfAbsent(dbc, rec)
	if err != nil {
		return false, resilience.Storage("idempotency.reserve", err)
	}
	if inserted {
		l.cacheDelete(ctx, in.Key)
		l.metrics.IncIdempotency("reserve", "acquired")
		return true, nil
	}

	reclaimed, err := l.repo.Reclaim(dbc, rec, now, now.Add(-l.cfg.StuckAfter))
	if err != nil {
		return false, resilience.Storage("idempotency.reserve", err)
	}
	if reclaimed {
		l.cacheDelete(ctx, in.Key)
		l.log.Warn("idempotency key reclaimed", "key", in.Key, "operation_type", in.OperationType)
		l.metrics.IncIdempotency("reserve", "reclaimed")
		return true, nil
	}
	l.metrics.IncIdempotency("reserve", "duplicate")
	return false, nil
}

// Complete moves key from pending to status and stores result. Repeating the
// same terminal status is a no-op.
func (l *Ledger) Complete(ctx context.Context, key, status string, result any) error {
	return l.complete(ctx, key, status, result, "")
}

// Fail records key as failed with cause's message.
func (l *Ledger) Fail(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.complete(ctx, key, StatusFailed, nil, msg)
}

func (l *Ledger) complete(ctx context.Context, key, status string, result any, errMsg string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return resilience.Validation("idempotency.complete", "key is required")
	}
	if status != StatusCompleted && status != StatusFailed {
		return resilience.Validationf("idempotency.complete", "invalid terminal status %q", status)
	}
	payload, err := encodeResult(result)
	if err != nil {
		return err
	}

	dbc := dbctx.New(ctx)
	updated, err := l.repo.MarkTerminal(dbc, key, status, payload, errMsg, l.now())
	if err != nil {
		return resilience.Storage("idempotency.complete", err)
	}

	rec, err := l.repo.GetByKey(dbc, key)
	if err != nil {
		return resilience.Storage("idempotency.complete", err)
	}
	if rec == nil {
		return resilience.Validationf("idempotency.complete", "unknown idempotency key %q", key)
	}
	if updated {
		l.cacheSet(ctx, rec)
		l.metrics.IncIdempotency("complete", status)
		return nil
	}
	if rec.Status == status {
		l.metrics.IncIdempotency("complete", "noop")
		return nil
	}
	l.metrics.IncIdempotency("complete", "conflict")
	return resilience.IdempotencyConflict("idempotency.complete", key, "record is already "+rec.Status)
}

// Release drops a pending reservation whose side effect never started, so an
// identical retry can reserve again.
func (l *Ledger) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return resilience.Validation("idempotency.release", "key is required")
	}
	if _, err := l.repo.DeletePending(dbctx.New(ctx), key); err != nil {
		return resilience.Storage("idempotency.release", err)
	}
	l.cacheDelete(ctx, key)
	l.metrics.IncIdempotency("release", "ok")
	return nil
}

type ExecuteResult struct {
	Payload  json.RawMessage
	Replayed bool
}

// Execute reserves in.Key, runs fn once, and records its outcome. A key that
// already completed replays the stored payload without calling fn.
func (l *Ledger) Execute(ctx context.Context, in ReserveInput, fn func(ctx context.Context) (any, error)) (ExecuteResult, error) {
	ok, err := l.Reserve(ctx, in)
	if err != nil {
		return ExecuteResult{}, err
	}
	if !ok {
		return l.replay(ctx, in.Key)
	}

	out, fnErr := fn(ctx)
	// The side effect already happened; record it even if the caller left.
	recordCtx := context.WithoutCancel(ctx)
	if fnErr != nil {
		if NotAttempted(fnErr) {
			if relErr := l.Release(recordCtx, in.Key); relErr != nil {
				l.log.Error("idempotency release failed", "key", in.Key, "error", relErr)
			}
			return ExecuteResult{}, fnErr
		}
		if failErr := l.Fail(recordCtx, in.Key, fnErr); failErr != nil {
			l.log.Error("idempotency fail record failed", "key", in.Key, "error", failErr)
			return ExecuteResult{}, errors.Join(fnErr, failErr)
		}
		return ExecuteResult{}, fnErr
	}

	payload, err := encodeResult(out)
	if err != nil {
		if failErr := l.Fail(recordCtx, in.Key, err); failErr != nil {
			l.log.Error("idempotency fail record failed", "key", in.Key, "error", failErr)
			return ExecuteResult{}, errors.Join(err, failErr)
		}
		return ExecuteResult{}, err
	}
	if err := l.Complete(recordCtx, in.Key, StatusCompleted, payload); err != nil {
		return ExecuteResult{Payload: json.RawMessage(payload)}, err
	}
	return ExecuteResult{Payload: json.RawMessage(payload)}, nil
}

func (l *Ledger) replay(ctx context.Context, key string) (ExecuteResult, error) {
	rec, err := l.Check(ctx, key)
	if err != nil {
		return ExecuteResult{}, err
	}
	switch {
	case rec == nil:
		// Expired or released between Reserve and Check.
		return ExecuteResult{}, resilience.IdempotencyConflict("idempotency.execute", key, "record changed concurrently, retry")
	case rec.Status == StatusCompleted:
		l.metrics.IncIdempotency("execute", "replayed")
		return ExecuteResult{Payload: json.RawMessage(rec.ResultPayload), Replayed: true}, nil
	case rec.Status == StatusFailed:
		return ExecuteResult{}, resilience.IdempotencyConflict("idempotency.execute", key, "previous attempt failed: "+rec.ErrorMessage)
	default:
		return ExecuteResult{}, resilience.IdempotencyConflict("idempotency.execute", key, "")
	}
}

// NotAttempted reports whether err proves the protected side effect never
// started, so the reservation may be released instead of marked failed.
func NotAttempted(err error) bool {
	switch resilience.CodeOf(err) {
	case resilience.CodeCircuitOpen, resilience.CodeRateLimited, resilience.CodeSafetyBlocked, resilience.CodeValidation:
		return true
	default:
		return false
	}
}

// SweepExpired deletes every record past its expiry, in batches.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	var total int64
	for {
		n, err := l.repo.DeleteExpired(dbctx.New(ctx), l.now(), l.cfg.SweepBatch)
		total += n
		if err != nil {
			return total, resilience.Storage("idempotency.sweep_expired", err)
		}
		if n < int64(l.cfg.SweepBatch) {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	if total > 0 {
		l.log.Info("expired idempotency keys swept", "count", total)
	}
	return total, nil
}

// ReapStuckPending deletes pending records older than StuckAfter so identical
// retries are no longer blocked.
func (l *Ledger) ReapStuckPending(ctx context.Context) (int64, error) {
	keys, err := l.repo.DeleteStuckPending(dbctx.New(ctx), l.now().Add(-l.cfg.StuckAfter), l.cfg.SweepBatch)
	if err != nil {
		return 0, resilience.Storage("idempotency.reap_stuck_pending", err)
	}
	for _, k := range keys {
		l.cacheDelete(ctx, k)
	}
	if len(keys) > 0 {
		l.log.Warn("stuck pending idempotency keys reaped", "count", len(keys))
	}
	return int64(len(keys)), nil
}

func encodeResult(result any) (datatypes.JSON, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case datatypes.JSON:
		return v, nil
	case json.RawMessage:
		return datatypes.JSON(v), nil
	case []byte:
		if !json.Valid(v) {
			return nil, resilience.Validation("idempotency.complete", "result bytes are not valid JSON")
		}
		return datatypes.JSON(v), nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, resilience.Validationf("idempotency.complete", "result is not JSON encodable: %v", err)
	}
	return datatypes.JSON(b), nil
}

func (l *Ledger) cacheGet(ctx context.Context, key string) (*types.IdempotencyKey, bool) {
	if l.cache == nil {
		return nil, false
	}
	raw, ok, err := l.cache.Get(ctx, cachePrefix+key)
	if err != nil {
		l.log.Warn("idempotency cache get failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rec types.IdempotencyKey
	if err := json.Unmarshal(raw, &rec); err != nil {
		l.cacheDelete(ctx, key)
		return nil, false
	}
	return &rec, true
}

func (l *Ledger) cacheSet(ctx context.Context, rec *types.IdempotencyKey) {
	if l.cache == nil || rec == nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(l.now())
	if ttl > l.cfg.CacheTTL {
		ttl = l.cfg.CacheTTL
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, cachePrefix+rec.Key, raw, ttl); err != nil {
		l.log.Warn("idempotency cache set failed", "key", rec.Key, "error", err)
	}
}

func (l *Ledger) cacheDelete(ctx context.Context, key string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx, cachePrefix+key); err != nil {
		l.log.Warn("idempotency cache delete failed", "key", key, "error", err)
	}
}
