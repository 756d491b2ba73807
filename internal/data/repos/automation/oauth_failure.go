package automation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/autoflow-backend/internal/domain"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type OAuthFailureRepo interface {
	Create(dbc dbctx.Context, row *types.OAuthFailureLog) error
	CountForOwnerSince(dbc dbctx.Context, ownerID uuid.UUID, since time.Time) (int64, error)
}

type oauthFailureRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOAuthFailureRepo(db *gorm.DB, baseLog *logger.Logger) OAuthFailureRepo {
	return &oauthFailureRepo{
		db:  db,
		log: baseLog.With("repo", "OAuthFailureRepo"),
	}
}

func (r *oauthFailureRepo) Create(dbc dbctx.Context, row *types.OAuthFailureLog) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row == nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Create(row).Error
}

func (r *oauthFailureRepo) CountForOwnerSince(dbc dbctx.Context, ownerID uuid.UUID, since time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.OAuthFailureLog{}).
		Where("owner_id = ? AND created_at >= ?", ownerID, since).
		Count(&n).Error
	return n, err
}
