package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/autoflow-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(types.Models()...)
}

// EnsureIndexes adds indexes gorm tags cannot express portably.
func EnsureIndexes(db *gorm.DB) error {
	if db.Dialector.Name() != DriverPostgres {
		return nil
	}
	// Sweeps scan pending rows by age.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_idempotency_keys_pending_created
		ON idempotency_keys (created_at)
		WHERE status = 'pending';
	`).Error; err != nil {
		return fmt.Errorf("create idx_idempotency_keys_pending_created: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_automation_rules_owner_active
		ON automation_rules (owner_id)
		WHERE status = 'active';
	`).Error; err != nil {
		return fmt.Errorf("create idx_automation_rules_owner_active: %w", err)
	}
	return nil
}
