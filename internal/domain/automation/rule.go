package automation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RuleStatusActive   = "active"
	RuleStatusPaused   = "paused"
	RuleStatusDisabled = "disabled"
)

// AutomationRule is the owner-facing automation definition. The control plane
// only reads and flips Status; trigger/action evaluation lives elsewhere.
type AutomationRule struct {
	ID           uuid.UUID  `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID      uuid.UUID  `gorm:"type:varchar(36);column:owner_id;not null;index" json:"owner_id"`
	Name         string     `gorm:"column:name;size:191;not null" json:"name"`
	TriggerType  string     `gorm:"column:trigger_type;size:64;not null" json:"trigger_type"`
	ActionType   string     `gorm:"column:action_type;size:64;not null" json:"action_type"`
	Status       string     `gorm:"column:status;size:16;not null;index" json:"status"`
	PausedReason string     `gorm:"column:paused_reason;size:191" json:"paused_reason,omitempty"`
	PausedAt     *time.Time `gorm:"column:paused_at" json:"paused_at,omitempty"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null" json:"updated_at"`
}

func (AutomationRule) TableName() string { return "automation_rules" }

func (r *AutomationRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RuleStatusActive
	}
	return nil
}
