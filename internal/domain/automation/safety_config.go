package automation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GlobalScopeKey identifies the process-wide safety row (OwnerID == nil).
const GlobalScopeKey = "global"

// AutomationSafetyConfig holds per-owner caps. The global row overrides the
// absence of an owner row, and its kill switch vetoes every check.
type AutomationSafetyConfig struct {
	ID         uuid.UUID  `gorm:"type:varchar(36);primaryKey" json:"id"`
	ScopeKey   string     `gorm:"column:scope_key;size:64;not null;uniqueIndex" json:"scope_key"`
	OwnerID    *uuid.UUID `gorm:"type:varchar(36);column:owner_id;index" json:"owner_id,omitempty"`
	KillSwitch bool       `gorm:"column:kill_switch;not null;default:false" json:"kill_switch"`
	// InheritsLimits marks an owner row that exists only to carry the kill
	// switch; its caps columns are ignored and the global row (or defaults)
	// apply instead.
	InheritsLimits             bool      `gorm:"column:inherits_limits;not null;default:false" json:"inherits_limits"`
	MaxActionsPerContactPerDay int       `gorm:"column:max_actions_per_contact_per_day;not null" json:"max_actions_per_contact_per_day"`
	MaxActionsPerUserPer5Min   int       `gorm:"column:max_actions_per_user_per_5min;not null" json:"max_actions_per_user_per_5min"`
	MaxActionsPerUserPerHour   int       `gorm:"column:max_actions_per_user_per_hour;not null" json:"max_actions_per_user_per_hour"`
	DryRunMode                 bool      `gorm:"column:dry_run_mode;not null;default:false" json:"dry_run_mode"`
	OAuthFailureThreshold      int       `gorm:"column:oauth_failure_threshold;not null" json:"oauth_failure_threshold"`
	OAuthFailureWindowSeconds  int       `gorm:"column:oauth_failure_window_seconds;not null" json:"oauth_failure_window_seconds"`
	CreatedAt                  time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt                  time.Time `gorm:"not null" json:"updated_at"`
}

func (AutomationSafetyConfig) TableName() string { return "automation_safety_config" }

func (c *AutomationSafetyConfig) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ScopeKey == "" {
		c.ScopeKey = ScopeKeyFor(c.OwnerID)
	}
	return nil
}

// ScopeKeyFor maps a nullable owner to its unique scope key.
func ScopeKeyFor(ownerID *uuid.UUID) string {
	if ownerID == nil || *ownerID == uuid.Nil {
		return GlobalScopeKey
	}
	return ownerID.String()
}

// OwnLimits reports whether the row's caps columns are authoritative.
func (c *AutomationSafetyConfig) OwnLimits() bool {
	return c != nil && !c.InheritsLimits
}
