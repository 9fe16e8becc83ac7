package repository

import (
	"context"
	"errors"
	"time"

	"rfidpay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTransactionNotFound   = errors.New("交易不存在")
	ErrTransactionNotPending = errors.New("交易已不是 PENDING 状态")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	return r.conn(tx).WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var trans model.Transaction
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// MarkProcessing 标记结算已开始，返回 false 表示交易已不是 PENDING
func (r *TransactionRepository) MarkProcessing(ctx context.Context, id string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusPending).
		Update("processing_started_at", now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkSettled 写入结算结果和余额快照
func (r *TransactionRepository) MarkSettled(ctx context.Context, tx *gorm.DB, id string, before, after decimal.Decimal, now time.Time) error {
	return r.updatePending(ctx, tx, id, map[string]interface{}{
		"status":         model.TransactionStatusSettled,
		"balance_before": decimal.NewNullDecimal(before),
		"balance_after":  decimal.NewNullDecimal(after),
		"settled_at":     now,
	})
}

// MarkFailed 写入失败状态和错误信息，余额快照只在结算成功时保留
func (r *TransactionRepository) MarkFailed(ctx context.Context, tx *gorm.DB, id, code, message string) error {
	return r.updatePending(ctx, tx, id, map[string]interface{}{
		"status":         model.TransactionStatusFailed,
		"error_code":     code,
		"error_message":  message,
		"balance_before": nil,
		"balance_after":  nil,
	})
}

func (r *TransactionRepository) updatePending(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusPending).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotPending
	}
	return nil
}

// Cancel 只能取消尚未开始结算的 PENDING 交易，返回 false 表示条件不满足
func (r *TransactionRepository) Cancel(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ? AND processing_started_at IS NULL", id, model.TransactionStatusPending).
		Update("status", model.TransactionStatusCancelled)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetStalePending 查询创建时间早于 beforeTime 仍未结算的交易
func (r *TransactionRepository) GetStalePending(ctx context.Context, beforeTime time.Time, limit int) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.TransactionStatusPending, beforeTime).
		Order("created_at ASC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

func (r *TransactionRepository) ListByCardID(ctx context.Context, cardID string, page, pageSize int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	query := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&model.Transaction{}).
			Where("card_id = ? OR recipient_card_id = ?", cardID, cardID)
	}

	err := query().Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query().
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
