package idempotency

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/autoflow-backend/internal/data/db"
	types "github.com/yungbote/autoflow-backend/internal/domain"
	domainidem "github.com/yungbote/autoflow-backend/internal/domain/idempotency"
	"github.com/yungbote/autoflow-backend/internal/platform/dbctx"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type IdempotencyKeyRepo interface {
	// InsertIfAbsent creates rec unless a row with the same key exists. It is a
	// single INSERT ... ON CONFLICT DO NOTHING; true means rec was written.
	InsertIfAbsent(dbc dbctx.Context, rec *types.IdempotencyKey) (bool, error)
	GetByKey(dbc dbctx.Context, key string) (*types.IdempotencyKey, error)
	// Reclaim overwrites an existing row with rec when that row is expired at
	// now, or is still pending and was created before stuckBefore.
	Reclaim(dbc dbctx.Context, rec *types.IdempotencyKey, now time.Time, stuckBefore time.Time) (bool, error)
	MarkTerminal(dbc dbctx.Context, key string, status string, result datatypes.JSON, errMsg string, at time.Time) (bool, error)
	// DeletePending removes key only while it is still pending.
	DeletePending(dbc dbctx.Context, key string) (bool, error)
	DeleteExpired(dbc dbctx.Context, now time.Time, limit int) (int64, error)
	DeleteStuckPending(dbc dbctx.Context, createdBefore time.Time, limit int) ([]string, error)
}

type idempotencyKeyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIdempotencyKeyRepo(db *gorm.DB, baseLog *logger.Logger) IdempotencyKeyRepo {
	return &idempotencyKeyRepo{
		db:  db,
		log: baseLog.With("repo", "IdempotencyKeyRepo"),
	}
}

func (r *idempotencyKeyRepo) InsertIfAbsent(dbc dbctx.Context, rec *types.IdempotencyKey) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if rec == nil || rec.Key == "" {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		if db.IsUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *idempotencyKeyRepo) GetByKey(dbc dbctx.Context, key string) (*types.IdempotencyKey, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if key == "" {
		return nil, nil
	}
	var rows []*types.IdempotencyKey
	if err := transaction.WithContext(dbc.Ctx).
		Where("idempotency_key = ?", key).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *idempotencyKeyRepo) Reclaim(dbc dbctx.Context, rec *types.IdempotencyKey, now time.Time, stuckBefore time.Time) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if rec == nil || rec.Key == "" {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.IdempotencyKey{}).
		Where("idempotency_key = ?", rec.Key).
		Where("(expires_at <= ? OR (status = ? AND created_at < ?))", now, domainidem.StatusPending, stuckBefore).
		Updates(map[string]interface{}{
			"operation_type":      rec.OperationType,
			"owner_id":            rec.OwnerID,
			"request_fingerprint": rec.RequestFingerprint,
			"status":              domainidem.StatusPending,
			"result_payload":      nil,
			"error_message":       "",
			"created_at":          rec.CreatedAt,
			"updated_at":          rec.UpdatedAt,
			"completed_at":        nil,
			"expires_at":          rec.ExpiresAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *idempotencyKeyRepo) MarkTerminal(dbc dbctx.Context, key string, status string, result datatypes.JSON, errMsg string, at time.Time) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if key == "" {
		return false, nil
	}
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
		"completed_at":  at,
		"updated_at":    at,
	}
	if len(result) > 0 {
		updates["result_payload"] = result
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.IdempotencyKey{}).
		Where("idempotency_key = ? AND status = ?", key, domainidem.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *idempotencyKeyRepo) DeletePending(dbc dbctx.Context, key string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if key == "" {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("idempotency_key = ? AND status = ?", key, domainidem.StatusPending).
		Delete(&types.IdempotencyKey{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *idempotencyKeyRepo) DeleteExpired(dbc dbctx.Context, now time.Time, limit int) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 500
	}
	var ids []string
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.IdempotencyKey{}).
		Where("expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("id IN ? AND expires_at <= ?", ids, now).
		Delete(&types.IdempotencyKey{})
	return res.RowsAffected, res.Error
}

func (r *idempotencyKeyRepo) DeleteStuckPending(dbc dbctx.Context, createdBefore time.Time, limit int) ([]string, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 500
	}
	var keys []string
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.IdempotencyKey{}).
		Where("status = ? AND created_at < ?", domainidem.StatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Pluck("idempotency_key", &keys).Error; err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("idempotency_key IN ? AND status = ? AND created_at < ?", keys, domainidem.StatusPending, createdBefore).
		Delete(&types.IdempotencyKey{}).Error; err != nil {
		return nil, err
	}
	return keys, nil
}
