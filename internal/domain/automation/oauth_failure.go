package automation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OAuthFailureLog struct {
	ID           uuid.UUID `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID      uuid.UUID `gorm:"type:varchar(36);column:owner_id;not null;index:idx_oauth_failure_owner_created,priority:1" json:"owner_id"`
	FailureType  string    `gorm:"column:failure_type;size:64;not null" json:"failure_type"`
	ErrorMessage string    `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time `gorm:"not null;index:idx_oauth_failure_owner_created,priority:2" json:"created_at"`
}

func (OAuthFailureLog) TableName() string { return "oauth_failure_log" }

func (l *OAuthFailureLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
