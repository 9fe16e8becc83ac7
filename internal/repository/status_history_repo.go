package repository

import (
	"context"

	"rfidpay/internal/model"

	"gorm.io/gorm"
)

// StatusHistoryRepository 卡片状态历史，只提供追加和查询
type StatusHistoryRepository struct {
	db *gorm.DB
}

func NewStatusHistoryRepository(db *gorm.DB) *StatusHistoryRepository {
	return &StatusHistoryRepository{db: db}
}

// Append 必须在写卡片状态的同一个事务内调用
func (r *StatusHistoryRepository) Append(ctx context.Context, tx *gorm.DB, record *model.StatusChangeRecord) error {
	return tx.WithContext(ctx).Create(record).Error
}

func (r *StatusHistoryRepository) ListByCardID(ctx context.Context, cardID string) ([]*model.StatusChangeRecord, error) {
	var records []*model.StatusChangeRecord
	err := r.db.WithContext(ctx).
		Where("card_id = ?", cardID).
		Order("changed_at ASC").
		Find(&records).Error
	return records, err
}
