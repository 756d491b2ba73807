package ratelimit

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/autoflow-backend/internal/domain"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type RateLimitViolationRepo interface {
	// Increment creates the (limitName, identifier) row on first violation and
	// bumps violation_count thereafter, in one upsert.
	Increment(dbc dbctx.Context, limitName, identifier string, at time.Time, blockedUntil *time.Time) error
	Get(dbc dbctx.Context, limitName, identifier string) (*types.RateLimitViolation, error)
	ListRecent(dbc dbctx.Context, limit int) ([]*types.RateLimitViolation, error)
}

type rateLimitViolationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRateLimitViolationRepo(db *gorm.DB, baseLog *logger.Logger) RateLimitViolationRepo {
	return &rateLimitViolationRepo{
		db:  db,
		log: baseLog.With("repo", "RateLimitViolationRepo"),
	}
}

func (r *rateLimitViolationRepo) Increment(dbc dbctx.Context, limitName, identifier string, at time.Time, blockedUntil *time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	row := &types.RateLimitViolation{
		LimitName:        limitName,
		Identifier:       identifier,
		ViolationCount:   1,
		FirstViolationAt: at,
		LastViolationAt:  at,
		BlockedUntil:     blockedUntil,
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "limit_name"}, {Name: "identifier"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"violation_count":   gorm.Expr("rate_limit_violations.violation_count + 1"),
				"last_violation_at": at,
				"blocked_until":     blockedUntil,
			}),
		}).
		Create(row).Error
}

func (r *rateLimitViolationRepo) Get(dbc dbctx.Context, limitName, identifier string) (*types.RateLimitViolation, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*types.RateLimitViolation
	if err := transaction.WithContext(dbc.Ctx).
		Where("limit_name = ? AND identifier = ?", limitName, identifier).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *rateLimitViolationRepo) ListRecent(dbc dbctx.Context, limit int) ([]*types.RateLimitViolation, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.RateLimitViolation
	if err := transaction.WithContext(dbc.Ctx).
		Order("last_violation_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
