package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	PaymentModeCash         = "CASH"
	PaymentModeCard         = "CARD"
	PaymentModeBankTransfer = "BANK_TRANSFER"
	PaymentModeMobileMoney  = "MOBILE_MONEY"
)

const (
	RechargeStatusPending   = "PENDING"
	RechargeStatusConfirmed = "CONFIRMED"
	RechargeStatusFailed    = "FAILED"
	RechargeStatusRefunded  = "REFUNDED"
)

var ValidRechargeStatusTransitions = map[string][]string{
	RechargeStatusPending:   {RechargeStatusConfirmed, RechargeStatusFailed},
	RechargeStatusConfirmed: {RechargeStatusRefunded},
}

func CanRechargeTransitionTo(currentStatus, targetStatus string) bool {
	for _, s := range ValidRechargeStatusTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsValidPaymentMode(mode string) bool {
	switch mode {
	case PaymentModeCash, PaymentModeCard, PaymentModeBankTransfer, PaymentModeMobileMoney:
		return true
	}
	return false
}

// Recharge 外部支付支撑的充值请求
// 支付确认后一对一关联一笔 RECHARGE 交易，自身状态只反映外部支付一侧
type Recharge struct {
	ID               string          `gorm:"type:char(36);primaryKey" json:"id"`
	CardID           string          `gorm:"type:char(36);index;not null" json:"card_id"`
	TransactionID    *string         `gorm:"type:char(36);uniqueIndex" json:"transaction_id,omitempty"`
	Amount           decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	PaymentMode      string          `gorm:"type:varchar(20);not null" json:"payment_mode"`
	PaymentReference string          `gorm:"type:varchar(100)" json:"payment_reference,omitempty"`
	MobileOperator   string          `gorm:"type:varchar(50)" json:"mobile_operator,omitempty"`
	MobileNumber     string          `gorm:"type:varchar(20)" json:"mobile_number,omitempty"`
	IssuingBank      string          `gorm:"type:varchar(100)" json:"issuing_bank,omitempty"`
	AccountNumber    string          `gorm:"type:varchar(50)" json:"account_number,omitempty"`
	RechargePoint    string          `gorm:"type:varchar(255)" json:"recharge_point,omitempty"`
	PerformedBy      string          `gorm:"type:varchar(64)" json:"performed_by,omitempty"`
	ReceiptNo        string          `gorm:"type:varchar(100);uniqueIndex;not null" json:"receipt_no"`
	Status           string          `gorm:"type:varchar(20);index;not null" json:"status"`
	FailureReason    string          `gorm:"type:text" json:"failure_reason,omitempty"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	CreatedAt        time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Recharge) TableName() string {
	return "recharges"
}

func (r *Recharge) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// ClientView 返回可以对外展示的副本，SYSTEM_ERROR 失败只保留错误码
func (r *Recharge) ClientView() *Recharge {
	view := *r
	if strings.HasPrefix(view.FailureReason, ErrorCodeSystemError) {
		view.FailureReason = ErrorCodeSystemError + ": " + SystemErrorMessage
	}
	return &view
}
