package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	CardStatusInactive = "INACTIVE"
	CardStatusActive   = "ACTIVE"
	CardStatusBlocked  = "BLOCKED"
	CardStatusExpired  = "EXPIRED"
	CardStatusLost     = "LOST"
	CardStatusStolen   = "STOLEN"
)

const (
	CardTypeStandard   = "STANDARD"
	CardTypePremium    = "PREMIUM"
	CardTypeEnterprise = "ENTERPRISE"
)

func IsValidCardType(t string) bool {
	return t == CardTypeStandard || t == CardTypePremium || t == CardTypeEnterprise
}

var ValidCardStatusTransitions = map[string][]string{
	CardStatusInactive: {CardStatusActive, CardStatusBlocked, CardStatusLost, CardStatusStolen, CardStatusExpired},
	CardStatusActive:   {CardStatusBlocked, CardStatusLost, CardStatusStolen, CardStatusExpired},
	CardStatusBlocked:  {CardStatusActive, CardStatusLost, CardStatusStolen, CardStatusExpired},
	CardStatusLost:     {CardStatusStolen},
}

func CanCardTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidCardStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsValidCardStatus(status string) bool {
	switch status {
	case CardStatusInactive, CardStatusActive, CardStatusBlocked,
		CardStatusExpired, CardStatusLost, CardStatusStolen:
		return true
	}
	return false
}

// Card RFID 预付卡
// 余额只能由结算引擎修改，状态只能由卡片注册中心修改
type Card struct {
	ID               string          `gorm:"type:char(36);primaryKey" json:"id"`
	SerialNumber     string          `gorm:"type:varchar(50);uniqueIndex;not null" json:"serial_number"`
	UID              string          `gorm:"column:uid;type:varchar(100);uniqueIndex;not null" json:"uid"`
	PersonID         *string         `gorm:"type:char(36);index" json:"person_id,omitempty"`
	OrganizationID   *string         `gorm:"type:char(36);index" json:"organization_id,omitempty"`
	CardType         string          `gorm:"type:varchar(20);not null" json:"card_type"`
	Balance          decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"balance"`
	DailyLimit       decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"daily_limit"`
	MonthlyLimit     decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"monthly_limit"`
	MaximumBalance   decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"maximum_balance"`
	Status           string          `gorm:"type:varchar(20);index;not null" json:"status"`
	BlockReason      string          `gorm:"type:text" json:"block_reason,omitempty"`
	IssuePlace       string          `gorm:"type:varchar(255)" json:"issue_place,omitempty"`
	IssuedAt         time.Time       `gorm:"not null" json:"issued_at"`
	ActivatedAt      *time.Time      `json:"activated_at,omitempty"`
	ExpiresAt        time.Time       `gorm:"index;not null" json:"expires_at"`
	LastUsedAt       *time.Time      `json:"last_used_at,omitempty"`
	TransactionCount int             `gorm:"not null;default:0" json:"transaction_count"`
	Version          int             `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Card) TableName() string {
	return "cards"
}

func (c *Card) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// OwnerID 返回持卡人（个人或机构）ID，未分配时返回空串
func (c *Card) OwnerID() string {
	if c.PersonID != nil && *c.PersonID != "" {
		return *c.PersonID
	}
	if c.OrganizationID != nil && *c.OrganizationID != "" {
		return *c.OrganizationID
	}
	return ""
}

func (c *Card) IsAssigned() bool {
	return c.OwnerID() != ""
}

// Actor 状态变更的操作人信息
type Actor struct {
	ID        string
	IP        string
	UserAgent string
}

const ActorSystem = "system"

// SystemActor 后台任务使用的操作人
func SystemActor() Actor {
	return Actor{ID: ActorSystem}
}
