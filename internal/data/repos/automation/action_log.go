package automation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/autoflow-backend/internal/domain"
	domainauto "github.com/yungbote/autoflow-backend/internal/domain/automation"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type ActionLogRepo interface {
	Create(dbc dbctx.Context, row *types.AutomationActionLog) error
	UpdateStatus(dbc dbctx.Context, id uuid.UUID, status string, errMsg string, completedAt *time.Time) error
	// CountForOwnerSince counts rows that consume owner quota (blocked and
	// skipped rows are excluded).
	CountForOwnerSince(dbc dbctx.Context, ownerID uuid.UUID, since time.Time) (int64, error)
	CountForContactSince(dbc dbctx.Context, ownerID uuid.UUID, targetContact, actionType string, since time.Time) (int64, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AutomationActionLog, error)
	ListRecentForOwner(dbc dbctx.Context, ownerID uuid.UUID, limit int) ([]*types.AutomationActionLog, error)
}

type actionLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewActionLogRepo(db *gorm.DB, baseLog *logger.Logger) ActionLogRepo {
	return &actionLogRepo{
		db:  db,
		log: baseLog.With("repo", "ActionLogRepo"),
	}
}

func (r *actionLogRepo) Create(dbc dbctx.Context, row *types.AutomationActionLog) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row == nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Create(row).Error
}

func (r *actionLogRepo) UpdateStatus(dbc dbctx.Context, id uuid.UUID, status string, errMsg string, completedAt *time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.AutomationActionLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"completed_at":  completedAt,
		}).Error
}

func (r *actionLogRepo) CountForOwnerSince(dbc dbctx.Context, ownerID uuid.UUID, since time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.AutomationActionLog{}).
		Where("owner_id = ? AND created_at >= ?", ownerID, since).
		Where("status NOT IN ?", domainauto.UncountedActionStatuses).
		Count(&n).Error
	return n, err
}

func (r *actionLogRepo) CountForContactSince(dbc dbctx.Context, ownerID uuid.UUID, targetContact, actionType string, since time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.AutomationActionLog{}).
		Where("owner_id = ? AND target_contact = ? AND action_type = ? AND created_at >= ?", ownerID, targetContact, actionType, since).
		Where("status NOT IN ?", domainauto.UncountedActionStatuses).
		Count(&n).Error
	return n, err
}

func (r *actionLogRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AutomationActionLog, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*types.AutomationActionLog
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *actionLogRepo) ListRecentForOwner(dbc dbctx.Context, ownerID uuid.UUID, limit int) ([]*types.AutomationActionLog, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*types.AutomationActionLog
	if err := transaction.WithContext(dbc.Ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
