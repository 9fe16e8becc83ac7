package testutil

import (
	"testing"
	"time"

	"rfidpay/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CardOption 调整测试卡片的字段
type CardOption func(*model.Card)

func WithBalance(balance string) CardOption {
	return func(c *model.Card) { c.Balance = decimal.RequireFromString(balance) }
}

func WithMaximumBalance(max string) CardOption {
	return func(c *model.Card) { c.MaximumBalance = decimal.RequireFromString(max) }
}

func WithStatus(status string) CardOption {
	return func(c *model.Card) { c.Status = status }
}

func WithPerson(personID string) CardOption {
	return func(c *model.Card) { c.PersonID = &personID }
}

func WithExpiresAt(at time.Time) CardOption {
	return func(c *model.Card) { c.ExpiresAt = at }
}

// CreateCard 直接写库创建一张卡片，默认 ACTIVE、余额 0、上限 1000000
func CreateCard(t *testing.T, db *gorm.DB, opts ...CardOption) *model.Card {
	t.Helper()
	now := time.Now()
	suffix := uuid.NewString()
	card := &model.Card{
		SerialNumber:   "RF" + suffix[:12],
		UID:            "UID-" + suffix,
		CardType:       model.CardTypeStandard,
		Balance:        decimal.Zero,
		DailyLimit:     decimal.NewFromInt(100000),
		MonthlyLimit:   decimal.NewFromInt(1000000),
		MaximumBalance: decimal.NewFromInt(1000000),
		Status:         model.CardStatusActive,
		IssuedAt:       now,
		ExpiresAt:      now.AddDate(3, 0, 0),
	}
	for _, opt := range opts {
		opt(card)
	}
	if err := db.Create(card).Error; err != nil {
		t.Fatalf("create card: %v", err)
	}
	return card
}

// CreateTransaction 直接写库创建一笔 PENDING 交易
func CreateTransaction(t *testing.T, db *gorm.DB, cardID, txType, amount string) *model.Transaction {
	t.Helper()
	trans := &model.Transaction{
		Reference: "TXN-" + uuid.NewString(),
		CardID:    cardID,
		Type:      txType,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "MGA",
		Status:    model.TransactionStatusPending,
	}
	if err := db.Create(trans).Error; err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return trans
}

// ReloadCard 从数据库重新读取卡片
func ReloadCard(t *testing.T, db *gorm.DB, id string) *model.Card {
	t.Helper()
	var card model.Card
	if err := db.Where("id = ?", id).First(&card).Error; err != nil {
		t.Fatalf("reload card: %v", err)
	}
	return &card
}

func ReloadTransaction(t *testing.T, db *gorm.DB, id string) *model.Transaction {
	t.Helper()
	var trans model.Transaction
	if err := db.Where("id = ?", id).First(&trans).Error; err != nil {
		t.Fatalf("reload transaction: %v", err)
	}
	return &trans
}
