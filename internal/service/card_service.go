package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/infrastructure/lock"
	"rfidpay/internal/model"
	"rfidpay/internal/repository"
	"rfidpay/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CardService 卡片注册中心
//
// 卡片状态只能通过这里修改：状态写入和状态历史在同一个数据库事务中提交，
// 并且和结算引擎一样先获取卡片锁
type CardService struct {
	db              *gorm.DB
	cfg             *config.Config
	locker          lock.Locker
	notifier        Notifier
	audit           AuditSink
	cardRepo        *repository.CardRepository
	historyRepo     *repository.StatusHistoryRepository
	transactionRepo *repository.TransactionRepository
	now             func() time.Time
}

func NewCardService(db *gorm.DB, cfg *config.Config, locker lock.Locker, notifier Notifier, audit AuditSink) *CardService {
	return &CardService{
		db:              db,
		cfg:             cfg,
		locker:          locker,
		notifier:        notifier,
		audit:           audit,
		cardRepo:        repository.NewCardRepository(db),
		historyRepo:     repository.NewStatusHistoryRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		now:             time.Now,
	}
}

type IssueCardRequest struct {
	UID            string          `json:"uid" binding:"required,max=100"`
	SerialNumber   string          `json:"serial_number" binding:"max=50"`
	CardType       string          `json:"card_type"`
	PersonID       *string         `json:"person_id"`
	OrganizationID *string         `json:"organization_id"`
	DailyLimit     decimal.Decimal `json:"daily_limit"`
	MonthlyLimit   decimal.Decimal `json:"monthly_limit"`
	MaximumBalance decimal.Decimal `json:"maximum_balance" binding:"money"`
	IssuePlace     string          `json:"issue_place"`
	ExpiresAt      *time.Time      `json:"expires_at"`
}

type UpdateLimitsRequest struct {
	DailyLimit     decimal.Decimal  `json:"daily_limit"`
	MonthlyLimit   decimal.Decimal  `json:"monthly_limit"`
	MaximumBalance *decimal.Decimal `json:"maximum_balance"`
}

func (s *CardService) Get(ctx context.Context, cardID string) (*model.Card, error) {
	return s.cardRepo.GetByID(ctx, cardID)
}

// Issue 发卡，新卡为 INACTIVE 状态
func (s *CardService) Issue(ctx context.Context, req *IssueCardRequest) (*model.Card, error) {
	personID, organizationID, err := normalizeOwner(req.PersonID, req.OrganizationID, true)
	if err != nil {
		return nil, err
	}
	if err := validateLimits(req.DailyLimit, req.MonthlyLimit, req.MaximumBalance); err != nil {
		return nil, err
	}

	cardType := req.CardType
	if cardType == "" {
		cardType = model.CardTypeStandard
	}
	if !model.IsValidCardType(cardType) {
		return nil, ErrInvalidCardType
	}

	serial := req.SerialNumber
	if serial == "" {
		serial = idgen.GenerateSerialNumber()
	}

	now := s.now()
	expiresAt := now.AddDate(s.cfg.Business.CardValidityYears, 0, 0)
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	card := &model.Card{
		SerialNumber:   serial,
		UID:            req.UID,
		PersonID:       personID,
		OrganizationID: organizationID,
		CardType:       cardType,
		Balance:        decimal.Zero,
		DailyLimit:     req.DailyLimit,
		MonthlyLimit:   req.MonthlyLimit,
		MaximumBalance: req.MaximumBalance,
		Status:         model.CardStatusInactive,
		IssuePlace:     req.IssuePlace,
		IssuedAt:       now,
		ExpiresAt:      expiresAt,
	}
	if err := s.cardRepo.Create(ctx, nil, card); err != nil {
		return nil, fmt.Errorf("创建卡片失败: %w", err)
	}

	log.Printf("[CardService] 发卡成功: cardID=%s, serial=%s", card.ID, card.SerialNumber)
	recordAudit(ctx, s.audit, AuditEntry{
		Level:   model.AuditLevelInfo,
		Action:  AuditActionCardIssued,
		Module:  AuditModuleCards,
		Message: fmt.Sprintf("卡片 %s 已发行", card.SerialNumber),
		CardID:  card.ID,
	})
	return card, nil
}

// SetStatus 修改卡片状态并追加一条状态历史
//
// 目标状态与当前状态相同时返回 ErrAlreadyInState；
// 变更为 BLOCKED 时在提交后通知持卡人，通知失败不影响状态变更
func (s *CardService) SetStatus(ctx context.Context, cardID, newStatus, reason string, actor model.Actor) (*model.Card, error) {
	return s.changeStatus(ctx, cardID, newStatus, reason, actor)
}

// Activate 首次激活，只允许 INACTIVE 卡片
func (s *CardService) Activate(ctx context.Context, cardID string, actor model.Actor) (*model.Card, error) {
	return s.changeStatus(ctx, cardID, model.CardStatusActive, "卡片激活", actor, model.CardStatusInactive)
}

func (s *CardService) Block(ctx context.Context, cardID, reason string, actor model.Actor) (*model.Card, error) {
	if reason == "" {
		reason = "持卡人申请冻结"
	}
	return s.changeStatus(ctx, cardID, model.CardStatusBlocked, reason, actor)
}

// Unblock 解冻，只允许 BLOCKED 卡片
func (s *CardService) Unblock(ctx context.Context, cardID, reason string, actor model.Actor) (*model.Card, error) {
	if reason == "" {
		reason = "持卡人申请解冻"
	}
	return s.changeStatus(ctx, cardID, model.CardStatusActive, reason, actor, model.CardStatusBlocked)
}

func (s *CardService) ReportLost(ctx context.Context, cardID, reason string, actor model.Actor) (*model.Card, error) {
	if reason == "" {
		reason = "挂失"
	}
	return s.changeStatus(ctx, cardID, model.CardStatusLost, reason, actor)
}

func (s *CardService) ReportStolen(ctx context.Context, cardID, reason string, actor model.Actor) (*model.Card, error) {
	if reason == "" {
		reason = "被盗"
	}
	return s.changeStatus(ctx, cardID, model.CardStatusStolen, reason, actor)
}

// changeStatus allowedFrom 非空时当前状态必须在其中
func (s *CardService) changeStatus(ctx context.Context, cardID, newStatus, reason string, actor model.Actor, allowedFrom ...string) (*model.Card, error) {
	if !model.IsValidCardStatus(newStatus) {
		return nil, ErrInvalidCardStatus
	}

	unlock, err := s.locker.Acquire(ctx, lock.CardLockKey(cardID), uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("获取卡片锁失败: %w", err)
	}

	var (
		oldStatus string
		updated   *model.Card
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		card, err := s.cardRepo.GetByIDForUpdate(ctx, tx, cardID)
		if err != nil {
			return err
		}
		oldStatus = card.Status

		if card.Status == newStatus {
			return ErrAlreadyInState
		}
		if len(allowedFrom) > 0 && !contains(allowedFrom, card.Status) {
			return ErrInvalidStatusTransition
		}
		if !model.CanCardTransitionTo(card.Status, newStatus) {
			return ErrInvalidStatusTransition
		}

		now := s.now()
		extra := map[string]interface{}{}
		switch newStatus {
		case model.CardStatusBlocked, model.CardStatusLost, model.CardStatusStolen:
			extra["block_reason"] = reason
		case model.CardStatusActive:
			extra["block_reason"] = ""
			if card.ActivatedAt == nil {
				extra["activated_at"] = now
			}
		}

		if err := s.cardRepo.UpdateStatus(ctx, tx, cardID, card.Status, newStatus, now, extra); err != nil {
			return err
		}

		record := &model.StatusChangeRecord{
			CardID:    cardID,
			OldStatus: card.Status,
			NewStatus: newStatus,
			Reason:    reason,
			Actor:     actor.ID,
			ClientIP:  actor.IP,
			UserAgent: actor.UserAgent,
			ChangedAt: now,
		}
		if err := s.historyRepo.Append(ctx, tx, record); err != nil {
			return fmt.Errorf("写入状态历史失败: %w", err)
		}

		updated, err = s.cardRepo.GetByIDForUpdate(ctx, tx, cardID)
		return err
	})
	unlock()

	if err != nil {
		return nil, err
	}

	log.Printf("[CardService] 卡片状态变更: cardID=%s, %s -> %s, actor=%s", cardID, oldStatus, newStatus, actor.ID)

	if newStatus == model.CardStatusBlocked {
		notifyCardOwner(ctx, s.notifier, updated, SeverityWarning, "卡片已冻结",
			fmt.Sprintf("您的卡片 %s 已被冻结，原因：%s", updated.SerialNumber, reason), ChannelSMS)
	}
	recordAudit(ctx, s.audit, AuditEntry{
		Level:   model.AuditLevelInfo,
		Action:  AuditActionCardStatusChanged,
		Module:  AuditModuleCards,
		Message: fmt.Sprintf("卡片 %s 状态 %s -> %s", updated.SerialNumber, oldStatus, newStatus),
		Context: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
			"reason":     reason,
			"actor":      actor.ID,
			"client_ip":  actor.IP,
		},
		CardID: cardID,
	})
	return updated, nil
}

// AdjustBalance 只供结算引擎在自己的数据库事务内调用，调用方必须已持有卡片锁
func (s *CardService) AdjustBalance(ctx context.Context, tx *gorm.DB, cardID string, delta, expectedPriorBalance decimal.Decimal) (*model.Card, error) {
	newBalance := expectedPriorBalance.Add(delta)
	if err := s.cardRepo.AdjustBalance(ctx, tx, cardID, expectedPriorBalance, newBalance, s.now()); err != nil {
		return nil, err
	}
	return s.cardRepo.GetByIDForUpdate(ctx, tx, cardID)
}

// UpdateLimits 修改日/月额度和最高余额，最高余额不能低于当前余额
func (s *CardService) UpdateLimits(ctx context.Context, cardID string, req *UpdateLimitsRequest) (*model.Card, error) {
	unlock, err := s.locker.Acquire(ctx, lock.CardLockKey(cardID), uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("获取卡片锁失败: %w", err)
	}
	defer unlock()

	var updated *model.Card
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		card, err := s.cardRepo.GetByIDForUpdate(ctx, tx, cardID)
		if err != nil {
			return err
		}

		maximum := card.MaximumBalance
		if req.MaximumBalance != nil {
			maximum = *req.MaximumBalance
		}
		if err := validateLimits(req.DailyLimit, req.MonthlyLimit, maximum); err != nil {
			return err
		}
		if maximum.LessThan(card.Balance) {
			return fmt.Errorf("%w: 最高余额不能低于当前余额 %s", ErrInvalidLimits, card.Balance.StringFixed(2))
		}

		if err := s.cardRepo.UpdateLimits(ctx, tx, cardID, req.DailyLimit, req.MonthlyLimit, maximum); err != nil {
			return err
		}
		updated, err = s.cardRepo.GetByIDForUpdate(ctx, tx, cardID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AssignOwner 给未分配的卡片绑定持卡人
// 与状态变更、结算使用同一把卡片锁，两个并发的分配请求只有一个能成功
func (s *CardService) AssignOwner(ctx context.Context, cardID string, personID, organizationID *string) (*model.Card, error) {
	personID, organizationID, err := normalizeOwner(personID, organizationID, false)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Acquire(ctx, lock.CardLockKey(cardID), uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("获取卡片锁失败: %w", err)
	}
	defer unlock()

	var updated *model.Card
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		card, err := s.cardRepo.GetByIDForUpdate(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if card.IsAssigned() {
			return repository.ErrCardAlreadyAssigned
		}
		if err := s.cardRepo.AssignOwner(ctx, tx, cardID, personID, organizationID); err != nil {
			return err
		}
		updated, err = s.cardRepo.GetByIDForUpdate(ctx, tx, cardID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[CardService] 卡片已分配持卡人: cardID=%s, owner=%s", cardID, updated.OwnerID())
	return updated, nil
}

func (s *CardService) ListTransactions(ctx context.Context, cardID string, page, pageSize int) ([]*model.Transaction, int64, error) {
	if _, err := s.cardRepo.GetByID(ctx, cardID); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.transactionRepo.ListByCardID(ctx, cardID, page, pageSize)
}

func (s *CardService) StatusHistory(ctx context.Context, cardID string) ([]*model.StatusChangeRecord, error) {
	if _, err := s.cardRepo.GetByID(ctx, cardID); err != nil {
		return nil, err
	}
	return s.historyRepo.ListByCardID(ctx, cardID)
}

// ExpireDue 把已过有效期的卡片标记为 EXPIRED，返回成功处理的数量
func (s *CardService) ExpireDue(ctx context.Context, limit int) (int, error) {
	cards, err := s.cardRepo.GetExpiredCards(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("查询过期卡片失败: %w", err)
	}

	expired := 0
	for _, card := range cards {
		_, err := s.changeStatus(ctx, card.ID, model.CardStatusExpired, "有效期已过", model.SystemActor())
		if err != nil {
			if errors.Is(err, ErrAlreadyInState) || errors.Is(err, ErrInvalidStatusTransition) {
				continue
			}
			log.Printf("[CardService] 卡片过期处理失败: cardID=%s, err=%v", card.ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// normalizeOwner 空串视为未填写；allowNone 为 false 时必须指定一方
func normalizeOwner(personID, organizationID *string, allowNone bool) (*string, *string, error) {
	if personID != nil && *personID == "" {
		personID = nil
	}
	if organizationID != nil && *organizationID == "" {
		organizationID = nil
	}
	if personID != nil && organizationID != nil {
		return nil, nil, ErrInvalidOwner
	}
	if !allowNone && personID == nil && organizationID == nil {
		return nil, nil, ErrInvalidOwner
	}
	return personID, organizationID, nil
}

func validateLimits(daily, monthly, maximum decimal.Decimal) error {
	if daily.IsNegative() || monthly.IsNegative() || !model.IsValidAmount(maximum) {
		return ErrInvalidLimits
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
