package automation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ActionStatusPending   = "pending"
	ActionStatusCompleted = "completed"
	ActionStatusFailed    = "failed"
	ActionStatusDryRun    = "dry_run"
	ActionStatusBlocked   = "blocked"
	ActionStatusSkipped   = "skipped"
)

// UncountedActionStatuses never count toward safety caps.
var UncountedActionStatuses = []string{ActionStatusBlocked, ActionStatusSkipped}

// AutomationActionLog is the append-mostly audit trail of automated actions.
// Safety caps are derived by counting these rows over trailing windows.
type AutomationActionLog struct {
	ID             uuid.UUID  `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID        uuid.UUID  `gorm:"type:varchar(36);column:owner_id;not null;index:idx_action_log_owner_created,priority:1;index:idx_action_log_owner_contact,priority:1" json:"owner_id"`
	RuleID         *uuid.UUID `gorm:"type:varchar(36);column:rule_id;index" json:"rule_id,omitempty"`
	ActionType     string     `gorm:"column:action_type;size:64;not null;index:idx_action_log_owner_contact,priority:3" json:"action_type"`
	TargetContact  string     `gorm:"column:target_contact;size:191;index:idx_action_log_owner_contact,priority:2" json:"target_contact,omitempty"`
	IdempotencyKey string     `gorm:"column:idempotency_key;size:128;index" json:"idempotency_key,omitempty"`
	Status         string     `gorm:"column:status;size:16;not null;index" json:"status"`
	ErrorMessage   string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time  `gorm:"not null;index:idx_action_log_owner_created,priority:2;index:idx_action_log_owner_contact,priority:4" json:"created_at"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (AutomationActionLog) TableName() string { return "automation_action_log" }

func (l *AutomationActionLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
