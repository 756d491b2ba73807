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

type RuleRepo interface {
	Create(dbc dbctx.Context, rules []*types.AutomationRule) ([]*types.AutomationRule, error)
	ListByOwner(dbc dbctx.Context, ownerID uuid.UUID) ([]*types.AutomationRule, error)
	// PauseAllForOwner flips every not-yet-paused rule of ownerID to paused and
	// returns how many rows changed.
	PauseAllForOwner(dbc dbctx.Context, ownerID uuid.UUID, reason string, at time.Time) (int64, error)
}

type ruleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRuleRepo(db *gorm.DB, baseLog *logger.Logger) RuleRepo {
	return &ruleRepo{
		db:  db,
		log: baseLog.With("repo", "RuleRepo"),
	}
}

func (r *ruleRepo) Create(dbc dbctx.Context, rules []*types.AutomationRule) ([]*types.AutomationRule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rules) == 0 {
		return []*types.AutomationRule{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *ruleRepo) ListByOwner(dbc dbctx.Context, ownerID uuid.UUID) ([]*types.AutomationRule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.AutomationRule
	if err := transaction.WithContext(dbc.Ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ruleRepo) PauseAllForOwner(dbc dbctx.Context, ownerID uuid.UUID, reason string, at time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.AutomationRule{}).
		Where("owner_id = ? AND status <> ?", ownerID, domainauto.RuleStatusPaused).
		Updates(map[string]interface{}{
			"status":        domainauto.RuleStatusPaused,
			"paused_reason": reason,
			"paused_at":     at,
			"updated_at":    at,
		})
	return res.RowsAffected, res.Error
}
