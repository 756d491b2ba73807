package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/autoflow-backend/internal/domain"
	domainauto "github.com/yungbote/autoflow-backend/internal/domain/automation"
)

func SeedRule(tb testing.TB, ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, name string) *types.AutomationRule {
	tb.Helper()
	r := &types.AutomationRule{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Name:        name,
		TriggerType: "email_received",
		ActionType:  "auto_reply",
		Status:      domainauto.RuleStatusActive,
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed rule: %v", err)
	}
	return r
}

func SeedAction(tb testing.TB, ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, actionType, contact, status string, at time.Time) *types.AutomationActionLog {
	tb.Helper()
	row := &types.AutomationActionLog{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		ActionType:    actionType,
		TargetContact: contact,
		Status:        status,
		CreatedAt:     at,
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		tb.Fatalf("seed action: %v", err)
	}
	return row
}

func SeedSafetyConfig(tb testing.TB, ctx context.Context, tx *gorm.DB, cfg *types.AutomationSafetyConfig) *types.AutomationSafetyConfig {
	tb.Helper()
	if cfg.ScopeKey == "" {
		cfg.ScopeKey = domainauto.ScopeKeyFor(cfg.OwnerID)
	}
	if err := tx.WithContext(ctx).Create(cfg).Error; err != nil {
		tb.Fatalf("seed safety config: %v", err)
	}
	return cfg
}
