package ratelimit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RateLimitHit is one admitted request, recorded only by the degraded
// fixed-window counter that runs when the primary window store is down.
type RateLimitHit struct {
	ID         uuid.UUID `gorm:"type:varchar(36);primaryKey" json:"id"`
	LimitName  string    `gorm:"column:limit_name;size:64;not null;index:idx_rate_limit_hit_window,priority:1" json:"limit_name"`
	Identifier string    `gorm:"column:identifier;size:191;not null;index:idx_rate_limit_hit_window,priority:2" json:"identifier"`
	CreatedAt  time.Time `gorm:"not null;index:idx_rate_limit_hit_window,priority:3" json:"created_at"`
}

func (RateLimitHit) TableName() string { return "rate_limit_hits" }

func (h *RateLimitHit) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
