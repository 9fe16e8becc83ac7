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
	ErrCardNotFound           = errors.New("卡片不存在")
	ErrCardStatusChanged      = errors.New("卡片状态已被修改")
	ErrConcurrentModification = errors.New("余额已被并发修改")
	ErrCardAlreadyAssigned    = errors.New("卡片已分配持卡人")
)

type CardRepository struct {
	db *gorm.DB
}

func NewCardRepository(db *gorm.DB) *CardRepository {
	return &CardRepository{db: db}
}

func (r *CardRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *CardRepository) Create(ctx context.Context, tx *gorm.DB, card *model.Card) error {
	return r.conn(tx).WithContext(ctx).Create(card).Error
}

func (r *CardRepository) GetByID(ctx context.Context, id string) (*model.Card, error) {
	var card model.Card
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&card).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &card, nil
}

// GetByIDForUpdate 在事务内读取并锁定卡片行
func (r *CardRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Card, error) {
	var card model.Card
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&card).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &card, nil
}

// UpdateStatus 条件更新卡片状态，只有当前状态仍为 fromStatus 时才写入
func (r *CardRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id, fromStatus, toStatus string, now time.Time, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     toStatus,
		"updated_at": now,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Card{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCardStatusChanged
	}
	return nil
}

// AdjustBalance 写入新余额，存储中的余额必须等于 expectedPrior
//
// 调用方已持有卡片锁，这里的条件只是最后一道防线：
// 任何绕过锁的写入都会表现为 ErrConcurrentModification，而不是覆盖别人的结果
func (r *CardRepository) AdjustBalance(ctx context.Context, tx *gorm.DB, id string, expectedPrior, newBalance decimal.Decimal, now time.Time) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Card{}).
		Where("id = ? AND balance = ?", id, expectedPrior).
		Updates(map[string]interface{}{
			"balance":           newBalance,
			"last_used_at":      now,
			"transaction_count": gorm.Expr("transaction_count + 1"),
			"version":           gorm.Expr("version + 1"),
			"updated_at":        now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// UpdateLimits 调用方已在同一事务内锁定并读取卡片
// MySQL 值未变化时 RowsAffected 为 0，这里不据此判断卡片是否存在
func (r *CardRepository) UpdateLimits(ctx context.Context, tx *gorm.DB, id string, daily, monthly, maximum decimal.Decimal) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.Card{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"daily_limit":     daily,
			"monthly_limit":   monthly,
			"maximum_balance": maximum,
		}).Error
}

// AssignOwner 只给尚未分配的卡片写入持卡人
func (r *CardRepository) AssignOwner(ctx context.Context, tx *gorm.DB, id string, personID, organizationID *string) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Card{}).
		Where("id = ? AND person_id IS NULL AND organization_id IS NULL", id).
		Updates(map[string]interface{}{
			"person_id":       personID,
			"organization_id": organizationID,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCardAlreadyAssigned
	}
	return nil
}

// GetExpiredCards 查询已过有效期但尚未标记为 EXPIRED 的卡片
func (r *CardRepository) GetExpiredCards(ctx context.Context, now time.Time, limit int) ([]*model.Card, error) {
	var cards []*model.Card
	err := r.db.WithContext(ctx).
		Where("expires_at < ? AND status IN ?", now,
			[]string{model.CardStatusInactive, model.CardStatusActive, model.CardStatusBlocked}).
		Limit(limit).
		Find(&cards).Error
	return cards, err
}
