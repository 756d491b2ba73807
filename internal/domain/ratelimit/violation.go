package ratelimit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RateLimitViolation accumulates rejections per (limit, identifier).
type RateLimitViolation struct {
	ID               uuid.UUID  `gorm:"type:varchar(36);primaryKey" json:"id"`
	LimitName        string     `gorm:"column:limit_name;size:64;not null;uniqueIndex:idx_rate_limit_violation_key,priority:1" json:"limit_name"`
	Identifier       string     `gorm:"column:identifier;size:191;not null;uniqueIndex:idx_rate_limit_violation_key,priority:2" json:"identifier"`
	ViolationCount   int64      `gorm:"column:violation_count;not null;default:0" json:"violation_count"`
	FirstViolationAt time.Time  `gorm:"column:first_violation_at;not null" json:"first_violation_at"`
	LastViolationAt  time.Time  `gorm:"column:last_violation_at;not null;index" json:"last_violation_at"`
	BlockedUntil     *time.Time `gorm:"column:blocked_until" json:"blocked_until,omitempty"`
}

func (RateLimitViolation) TableName() string { return "rate_limit_violations" }

func (v *RateLimitViolation) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}
