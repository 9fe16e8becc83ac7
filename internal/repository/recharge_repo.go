package repository

import (
	"context"
	"errors"
	"time"

	"rfidpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrRechargeNotFound   = errors.New("充值记录不存在")
	ErrRechargeNotPending = errors.New("充值记录已不是 PENDING 状态")
)

type RechargeRepository struct {
	db *gorm.DB
}

func NewRechargeRepository(db *gorm.DB) *RechargeRepository {
	return &RechargeRepository{db: db}
}

func (r *RechargeRepository) Create(ctx context.Context, recharge *model.Recharge) error {
	return r.db.WithContext(ctx).Create(recharge).Error
}

func (r *RechargeRepository) GetByID(ctx context.Context, id string) (*model.Recharge, error) {
	var recharge model.Recharge
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&recharge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRechargeNotFound
		}
		return nil, err
	}
	return &recharge, nil
}

// MarkConfirmed 支付确认：关联 RECHARGE 交易并写入确认时间
func (r *RechargeRepository) MarkConfirmed(ctx context.Context, tx *gorm.DB, id, transactionID string, now time.Time) error {
	return r.updatePending(ctx, tx, id, map[string]interface{}{
		"status":         model.RechargeStatusConfirmed,
		"transaction_id": transactionID,
		"confirmed_at":   now,
	})
}

func (r *RechargeRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.updatePending(ctx, nil, id, map[string]interface{}{
		"status":         model.RechargeStatusFailed,
		"failure_reason": reason,
	})
}

func (r *RechargeRepository) updatePending(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Recharge{}).
		Where("id = ? AND status = ?", id, model.RechargeStatusPending).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRechargeNotPending
	}
	return nil
}
