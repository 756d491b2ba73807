package idempotency

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IdempotencyKey records that a logical operation was attempted. Status only
// moves pending -> completed or pending -> failed.
type IdempotencyKey struct {
	ID                 uuid.UUID      `gorm:"type:varchar(36);primaryKey" json:"id"`
	Key                string         `gorm:"column:idempotency_key;size:128;not null;uniqueIndex" json:"key"`
	OperationType      string         `gorm:"column:operation_type;size:64;not null;index" json:"operation_type"`
	OwnerID            uuid.UUID      `gorm:"type:varchar(36);column:owner_id;not null;index" json:"owner_id"`
	RequestFingerprint string         `gorm:"column:request_fingerprint;size:64;not null" json:"request_fingerprint"`
	Status             string         `gorm:"column:status;size:16;not null;index" json:"status"`
	ResultPayload      datatypes.JSON `gorm:"column:result_payload" json:"result_payload,omitempty"`
	ErrorMessage       string         `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt          time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null" json:"updated_at"`
	CompletedAt        *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ExpiresAt          time.Time      `gorm:"column:expires_at;not null;index" json:"expires_at"`
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

func (k *IdempotencyKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	return nil
}

// Expired reports whether the record is past its TTL at now.
func (k *IdempotencyKey) Expired(now time.Time) bool {
	return k != nil && !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

func (k *IdempotencyKey) Terminal() bool {
	return k != nil && (k.Status == StatusCompleted || k.Status == StatusFailed)
}
