package ratelimit

import (
	"time"

	"gorm.io/gorm"

	types "github.com/yungbote/autoflow-backend/internal/domain"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type RateLimitHitRepo interface {
	Insert(dbc dbctx.Context, limitName, identifier string, at time.Time) error
	CountSince(dbc dbctx.Context, limitName, identifier string, since time.Time) (int64, error)
	DeleteBefore(dbc dbctx.Context, before time.Time) (int64, error)
}

type rateLimitHitRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRateLimitHitRepo(db *gorm.DB, baseLog *logger.Logger) RateLimitHitRepo {
	return &rateLimitHitRepo{
		db:  db,
		log: baseLog.With("repo", "RateLimitHitRepo"),
	}
}

func (r *rateLimitHitRepo) Insert(dbc dbctx.Context, limitName, identifier string, at time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Create(&types.RateLimitHit{
		LimitName:  limitName,
		Identifier: identifier,
		CreatedAt:  at,
	}).Error
}

func (r *rateLimitHitRepo) CountSince(dbc dbctx.Context, limitName, identifier string, since time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.RateLimitHit{}).
		Where("limit_name = ? AND identifier = ? AND created_at >= ?", limitName, identifier, since).
		Count(&n).Error
	return n, err
}

func (r *rateLimitHitRepo) DeleteBefore(dbc dbctx.Context, before time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("created_at < ?", before).
		Delete(&types.RateLimitHit{})
	return res.RowsAffected, res.Error
}
