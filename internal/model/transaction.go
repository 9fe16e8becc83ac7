package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypePurchase   = "PURCHASE"   // 消费
	TransactionTypeWithdrawal = "WITHDRAWAL" // 取现
	TransactionTypeRecharge   = "RECHARGE"   // 充值
	TransactionTypeTransfer   = "TRANSFER"   // 转账
)

const (
	TransactionStatusPending   = "PENDING"
	TransactionStatusSettled   = "SETTLED"
	TransactionStatusFailed    = "FAILED"
	TransactionStatusCancelled = "CANCELLED"
)

// 失败原因码，写入 Transaction.ErrorCode
const (
	ErrorCodeCardInactive           = "CARD_INACTIVE"
	ErrorCodeInsufficientBalance    = "INSUFFICIENT_BALANCE"
	ErrorCodeBalanceCeilingExceeded = "BALANCE_CEILING_EXCEEDED"
	ErrorCodeAlreadyProcessed       = "ALREADY_PROCESSED"
	ErrorCodeSystemError            = "SYSTEM_ERROR"
)

// SystemErrorMessage SYSTEM_ERROR 对外展示的错误信息，原始错误只保留在库中
const SystemErrorMessage = "系统错误，请稍后重试"

func IsValidTransactionType(t string) bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeWithdrawal, TransactionTypeRecharge, TransactionTypeTransfer:
		return true
	}
	return false
}

// IsDebitType 借记类交易从源卡扣款
func IsDebitType(t string) bool {
	return t == TransactionTypePurchase || t == TransactionTypeWithdrawal || t == TransactionTypeTransfer
}

// IsCreditType 贷记类交易向源卡入账
func IsCreditType(t string) bool {
	return t == TransactionTypeRecharge
}

// IsValidAmount 金额必须为正数且最多两位小数
func IsValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(2))
}

func IsTerminalTransactionStatus(status string) bool {
	return status == TransactionStatusSettled || status == TransactionStatusFailed || status == TransactionStatusCancelled
}

// ============================================================================
// 交易实体
// ============================================================================

// Transaction 卡片交易
//
// 【状态机】PENDING -> SETTLED | FAILED（结算引擎），PENDING -> CANCELLED（结算开始前）
// 终态之后不再修改，所有状态写入都带 status = PENDING 条件
type Transaction struct {
	ID                  string              `gorm:"type:char(36);primaryKey" json:"id"`
	Reference           string              `gorm:"type:varchar(100);uniqueIndex;not null" json:"reference"`
	CardID              string              `gorm:"type:char(36);index;not null" json:"card_id"`
	RecipientCardID     *string             `gorm:"type:char(36);index" json:"recipient_card_id,omitempty"`
	Type                string              `gorm:"type:varchar(20);not null" json:"type"`
	Amount              decimal.Decimal     `gorm:"type:decimal(15,2);not null" json:"amount"`
	Currency            string              `gorm:"type:varchar(3);not null" json:"currency"`
	BalanceBefore       decimal.NullDecimal `gorm:"type:decimal(15,2)" json:"balance_before"`
	BalanceAfter        decimal.NullDecimal `gorm:"type:decimal(15,2)" json:"balance_after"`
	Status              string              `gorm:"type:varchar(20);index;not null" json:"status"`
	ErrorCode           *string             `gorm:"type:varchar(50)" json:"error_code,omitempty"`
	ErrorMessage        *string             `gorm:"type:text" json:"error_message,omitempty"`
	MerchantID          string              `gorm:"type:varchar(100)" json:"merchant_id,omitempty"`
	MerchantName        string              `gorm:"type:varchar(255)" json:"merchant_name,omitempty"`
	TerminalID          string              `gorm:"type:varchar(100)" json:"terminal_id,omitempty"`
	ExternalReference   string              `gorm:"type:varchar(100)" json:"external_reference,omitempty"`
	Description         string              `gorm:"type:text" json:"description,omitempty"`
	Category            string              `gorm:"type:varchar(100)" json:"category,omitempty"`
	Location            string              `gorm:"type:varchar(255)" json:"location,omitempty"`
	ProcessingStartedAt *time.Time          `json:"processing_started_at,omitempty"`
	SettledAt           *time.Time          `json:"settled_at,omitempty"`
	CreatedAt           time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// CardIDs 返回结算需要加锁的全部卡片
func (t *Transaction) CardIDs() []string {
	if t.Type == TransactionTypeTransfer && t.RecipientCardID != nil && *t.RecipientCardID != "" {
		return []string{t.CardID, *t.RecipientCardID}
	}
	return []string{t.CardID}
}

// ClientView 返回可以对外展示的副本
func (t *Transaction) ClientView() *Transaction {
	view := *t
	if view.ErrorCode != nil && *view.ErrorCode == ErrorCodeSystemError {
		msg := SystemErrorMessage
		view.ErrorMessage = &msg
	}
	return &view
}
