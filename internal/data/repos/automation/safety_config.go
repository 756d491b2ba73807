package automation

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/autoflow-backend/internal/domain"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type SafetyConfigRepo interface {
	GetByScope(dbc dbctx.Context, scopeKey string) (*types.AutomationSafetyConfig, error)
	// Upsert writes every mutable column of cfg, keyed by scope_key.
	Upsert(dbc dbctx.Context, cfg *types.AutomationSafetyConfig) error
	// SetKillSwitch inserts cfg when its scope has no row, otherwise flips only
	// kill_switch on the existing row. Caps and inherits_limits of an existing
	// row are left alone.
	SetKillSwitch(dbc dbctx.Context, cfg *types.AutomationSafetyConfig) error
	List(dbc dbctx.Context) ([]*types.AutomationSafetyConfig, error)
}

type safetyConfigRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSafetyConfigRepo(db *gorm.DB, baseLog *logger.Logger) SafetyConfigRepo {
	return &safetyConfigRepo{
		db:  db,
		log: baseLog.With("repo", "SafetyConfigRepo"),
	}
}

func (r *safetyConfigRepo) GetByScope(dbc dbctx.Context, scopeKey string) (*types.AutomationSafetyConfig, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*types.AutomationSafetyConfig
	if err := transaction.WithContext(dbc.Ctx).
		Where("scope_key = ?", scopeKey).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *safetyConfigRepo) Upsert(dbc dbctx.Context, cfg *types.AutomationSafetyConfig) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if cfg == nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "scope_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"kill_switch",
				"inherits_limits",
				"max_actions_per_contact_per_day",
				"max_actions_per_user_per_5min",
				"max_actions_per_user_per_hour",
				"dry_run_mode",
				"oauth_failure_threshold",
				"oauth_failure_window_seconds",
				"updated_at",
			}),
		}).
		Create(cfg).Error
}

func (r *safetyConfigRepo) SetKillSwitch(dbc dbctx.Context, cfg *types.AutomationSafetyConfig) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if cfg == nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"kill_switch", "updated_at"}),
		}).
		Create(cfg).Error
}

func (r *safetyConfigRepo) List(dbc dbctx.Context) ([]*types.AutomationSafetyConfig, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.AutomationSafetyConfig
	if err := transaction.WithContext(dbc.Ctx).
		Order("scope_key ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
