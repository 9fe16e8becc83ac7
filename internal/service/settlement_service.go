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

// SettlementService 结算引擎
//
// 【状态机】PENDING -> SETTLED | FAILED，PENDING -> CANCELLED（结算开始前）
//
// 【关键点】
// 1. 幂等：交易不是 PENDING 时直接返回当前状态，重试和重复投递都是安全的
// 2. 串行：同一张卡的余额变更在卡片锁内完成“读取-校验-写入”
// 3. 原子：余额和交易状态在同一个数据库事务中提交
// 4. 通知、审计在提交并释放锁之后发出，失败不回滚结算结果
type SettlementService struct {
	db              *gorm.DB
	cfg             *config.Config
	locker          lock.Locker
	cards           *CardService
	notifier        Notifier
	audit           AuditSink
	cardRepo        *repository.CardRepository
	transactionRepo *repository.TransactionRepository
	auditRepo       *repository.AuditRepository
	now             func() time.Time
}

func NewSettlementService(db *gorm.DB, cfg *config.Config, locker lock.Locker, cards *CardService, notifier Notifier, audit AuditSink) *SettlementService {
	return &SettlementService{
		db:              db,
		cfg:             cfg,
		locker:          locker,
		cards:           cards,
		notifier:        notifier,
		audit:           audit,
		cardRepo:        repository.NewCardRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		auditRepo:       repository.NewAuditRepository(db),
		now:             time.Now,
	}
}

type CreateTransactionRequest struct {
	CardID            string          `json:"card_id" binding:"required"`
	RecipientCardID   *string         `json:"recipient_card_id"`
	Type              string          `json:"type" binding:"required"`
	Amount            decimal.Decimal `json:"amount" binding:"money"`
	MerchantID        string          `json:"merchant_id" binding:"max=100"`
	MerchantName      string          `json:"merchant_name" binding:"max=255"`
	TerminalID        string          `json:"terminal_id" binding:"max=100"`
	ExternalReference string          `json:"external_reference" binding:"max=100"`
	Description       string          `json:"description"`
	Category          string          `json:"category" binding:"max=100"`
	Location          string          `json:"location" binding:"max=255"`
}

// settleOutcome 事务内的结算结果，提交后用于发出通知和审计
type settleOutcome struct {
	noop      bool
	card      *model.Card
	recipient *model.Card
	code      string
	message   string
	before    decimal.Decimal
	after     decimal.Decimal
}

// Create 创建 PENDING 交易，结算由调用方异步触发
func (s *SettlementService) Create(ctx context.Context, req *CreateTransactionRequest) (*model.Transaction, error) {
	if !model.IsValidTransactionType(req.Type) {
		return nil, ErrInvalidTransactionType
	}
	if !model.IsValidAmount(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if _, err := s.cardRepo.GetByID(ctx, req.CardID); err != nil {
		return nil, err
	}

	var recipientID *string
	if req.Type == model.TransactionTypeTransfer {
		if req.RecipientCardID == nil || *req.RecipientCardID == "" {
			return nil, ErrRecipientRequired
		}
		if *req.RecipientCardID == req.CardID {
			return nil, ErrSameCard
		}
		if _, err := s.cardRepo.GetByID(ctx, *req.RecipientCardID); err != nil {
			return nil, fmt.Errorf("收款卡片: %w", err)
		}
		recipientID = req.RecipientCardID
	}

	trans := &model.Transaction{
		Reference:         idgen.GenerateTransactionRef(),
		CardID:            req.CardID,
		RecipientCardID:   recipientID,
		Type:              req.Type,
		Amount:            req.Amount,
		Currency:          s.cfg.Business.Currency,
		Status:            model.TransactionStatusPending,
		MerchantID:        req.MerchantID,
		MerchantName:      req.MerchantName,
		TerminalID:        req.TerminalID,
		ExternalReference: req.ExternalReference,
		Description:       req.Description,
		Category:          req.Category,
		Location:          req.Location,
	}
	if err := s.transactionRepo.Create(ctx, nil, trans); err != nil {
		return nil, fmt.Errorf("创建交易失败: %w", err)
	}

	log.Printf("[Settlement] 交易已创建: id=%s, ref=%s, type=%s, amount=%s",
		trans.ID, trans.Reference, trans.Type, trans.Amount.StringFixed(2))
	return trans, nil
}

func (s *SettlementService) Get(ctx context.Context, transactionID string) (*model.Transaction, error) {
	return s.transactionRepo.GetByID(ctx, transactionID)
}

// GetByReference 终端和对账系统按流水号查询
func (s *SettlementService) GetByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.transactionRepo.GetByReference(ctx, reference)
}

// AuditTrail 交易相关的审计记录，按时间先后排列
func (s *SettlementService) AuditTrail(ctx context.Context, transactionID string) ([]*model.AuditLog, error) {
	if _, err := s.transactionRepo.GetByID(ctx, transactionID); err != nil {
		return nil, err
	}
	return s.auditRepo.ListByTransactionID(ctx, transactionID)
}

// Settle 执行一次结算尝试
//
// 业务校验失败写入交易的错误码并返回 nil error；
// 存储、锁等基础设施错误原样返回，由 Dispatcher 决定是否重试
func (s *SettlementService) Settle(ctx context.Context, transactionID string) (*model.Transaction, error) {
	trans, err := s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if trans.Status != model.TransactionStatusPending {
		return trans, nil
	}

	// 标记结算已开始，此后取消请求返回 ErrAlreadyProcessing
	started, err := s.transactionRepo.MarkProcessing(ctx, transactionID, s.now())
	if err != nil {
		return nil, fmt.Errorf("标记交易处理中失败: %w", err)
	}
	if !started {
		return s.transactionRepo.GetByID(ctx, transactionID)
	}

	keys := make([]string, 0, 2)
	for _, id := range trans.CardIDs() {
		keys = append(keys, lock.CardLockKey(id))
	}
	unlock, err := lock.AcquireAll(ctx, s.locker, keys, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("获取卡片锁失败: %w", err)
	}

	var outcome settleOutcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcome, err = s.settleInTx(ctx, tx, transactionID)
		return err
	})
	unlock()

	if err != nil {
		return nil, err
	}

	trans, err = s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !outcome.noop {
		s.afterSettle(ctx, trans, outcome)
	}
	return trans, nil
}

// settleInTx 在卡片锁和数据库事务内重新读取交易和卡片，校验并写入结果
func (s *SettlementService) settleInTx(ctx context.Context, tx *gorm.DB, transactionID string) (settleOutcome, error) {
	var outcome settleOutcome

	trans, err := s.transactionRepo.GetByIDForUpdate(ctx, tx, transactionID)
	if err != nil {
		return outcome, err
	}
	if trans.Status != model.TransactionStatusPending {
		outcome.noop = true
		return outcome, nil
	}

	card, err := s.cardRepo.GetByIDForUpdate(ctx, tx, trans.CardID)
	if err != nil {
		return outcome, err
	}
	outcome.card = card

	if trans.Type == model.TransactionTypeTransfer && trans.RecipientCardID != nil {
		recipient, err := s.cardRepo.GetByIDForUpdate(ctx, tx, *trans.RecipientCardID)
		if err != nil {
			return outcome, err
		}
		outcome.recipient = recipient
	}

	if code, message := s.validate(trans, card, outcome.recipient); code != "" {
		outcome.code = code
		outcome.message = message
		if err := s.transactionRepo.MarkFailed(ctx, tx, trans.ID, code, message); err != nil {
			return outcome, fmt.Errorf("写入交易失败状态失败: %w", err)
		}
		return outcome, nil
	}

	outcome.before = card.Balance
	delta := trans.Amount
	if model.IsDebitType(trans.Type) {
		delta = trans.Amount.Neg()
	}
	outcome.after = card.Balance.Add(delta)

	if _, err := s.cards.AdjustBalance(ctx, tx, card.ID, delta, card.Balance); err != nil {
		return outcome, fmt.Errorf("更新卡片余额失败: %w", err)
	}
	if outcome.recipient != nil {
		if _, err := s.cards.AdjustBalance(ctx, tx, outcome.recipient.ID, trans.Amount, outcome.recipient.Balance); err != nil {
			return outcome, fmt.Errorf("更新收款卡片余额失败: %w", err)
		}
	}

	if err := s.transactionRepo.MarkSettled(ctx, tx, trans.ID, outcome.before, outcome.after, s.now()); err != nil {
		return outcome, fmt.Errorf("写入交易结算状态失败: %w", err)
	}
	return outcome, nil
}

// validate 按顺序校验，返回第一个失败的错误码
func (s *SettlementService) validate(trans *model.Transaction, card, recipient *model.Card) (string, string) {
	switch {
	case trans.Type == model.TransactionTypeRecharge:
		if card.Status != model.CardStatusActive && card.Status != model.CardStatusInactive {
			return model.ErrorCodeCardInactive, fmt.Sprintf("卡片状态为 %s，不能充值", card.Status)
		}
	case card.Status != model.CardStatusActive:
		return model.ErrorCodeCardInactive, fmt.Sprintf("卡片状态为 %s，不能交易", card.Status)
	}
	if trans.Type == model.TransactionTypeTransfer {
		if recipient == nil {
			return model.ErrorCodeCardInactive, "收款卡片不存在"
		}
		if recipient.Status != model.CardStatusActive {
			return model.ErrorCodeCardInactive, fmt.Sprintf("收款卡片状态为 %s，不能转入", recipient.Status)
		}
	}

	if model.IsDebitType(trans.Type) && card.Balance.LessThan(trans.Amount) {
		return model.ErrorCodeInsufficientBalance,
			fmt.Sprintf("余额不足: 余额 %s，交易金额 %s", card.Balance.StringFixed(2), trans.Amount.StringFixed(2))
	}

	if s.cfg.Business.EnforceBalanceCeiling {
		credited := card
		if trans.Type == model.TransactionTypeTransfer {
			credited = recipient
		} else if !model.IsCreditType(trans.Type) {
			credited = nil
		}
		if credited != nil && credited.Balance.Add(trans.Amount).GreaterThan(credited.MaximumBalance) {
			return model.ErrorCodeBalanceCeilingExceeded,
				fmt.Sprintf("超过最高余额 %s", credited.MaximumBalance.StringFixed(2))
		}
	}
	return "", ""
}

func (s *SettlementService) afterSettle(ctx context.Context, trans *model.Transaction, outcome settleOutcome) {
	fields := log.Fields{
		"transaction_id": trans.ID,
		"reference":      trans.Reference,
		"card_id":        trans.CardID,
		"type":           trans.Type,
		"amount":         trans.Amount.StringFixed(2),
	}

	if outcome.code != "" {
		log.WithFields(fields).WithField("error_code", outcome.code).Warn("[Settlement] 交易失败")
		if outcome.code == model.ErrorCodeInsufficientBalance {
			notifyCardOwner(ctx, s.notifier, outcome.card, SeverityWarning, "余额不足",
				fmt.Sprintf("金额为 %s %s 的交易因余额不足被拒绝", trans.Amount.StringFixed(2), trans.Currency), ChannelEmail)
		}
		recordAudit(ctx, s.audit, AuditEntry{
			Level:         model.AuditLevelWarning,
			Action:        AuditActionTransactionFailed,
			Module:        AuditModuleTransactions,
			Message:       fmt.Sprintf("交易 %s 失败: %s", trans.Reference, outcome.message),
			Context:       map[string]interface{}{"error_code": outcome.code, "amount": trans.Amount.StringFixed(2)},
			CardID:        trans.CardID,
			TransactionID: trans.ID,
		})
		return
	}

	log.WithFields(fields).WithField("balance_after", outcome.after.StringFixed(2)).Info("[Settlement] 交易结算成功")
	recordAudit(ctx, s.audit, AuditEntry{
		Level:   model.AuditLevelInfo,
		Action:  AuditActionTransactionSettled,
		Module:  AuditModuleTransactions,
		Message: fmt.Sprintf("交易 %s 结算成功", trans.Reference),
		Context: map[string]interface{}{
			"balance_before": outcome.before.StringFixed(2),
			"balance_after":  outcome.after.StringFixed(2),
		},
		CardID:        trans.CardID,
		TransactionID: trans.ID,
	})
	if trans.Type == model.TransactionTypeRecharge {
		notifyCardOwner(ctx, s.notifier, outcome.card, SeveritySuccess, "充值成功",
			fmt.Sprintf("您的卡片已充值 %s %s，当前余额 %s", trans.Amount.StringFixed(2), trans.Currency, outcome.after.StringFixed(2)), ChannelSMS)
	}
}

// ForceFail 重试耗尽后把交易标记为 SYSTEM_ERROR，保留原始错误信息
func (s *SettlementService) ForceFail(ctx context.Context, transactionID string, cause error) (*model.Transaction, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	err := s.transactionRepo.MarkFailed(ctx, nil, transactionID, model.ErrorCodeSystemError, message)
	if err != nil && !errors.Is(err, repository.ErrTransactionNotPending) {
		return nil, fmt.Errorf("写入交易失败状态失败: %w", err)
	}

	trans, getErr := s.transactionRepo.GetByID(ctx, transactionID)
	if getErr != nil {
		return nil, getErr
	}
	if err == nil {
		log.Errorf("[Settlement] 交易重试耗尽，标记为失败: id=%s, err=%s", transactionID, message)
		recordAudit(ctx, s.audit, AuditEntry{
			Level:         model.AuditLevelError,
			Action:        AuditActionTransactionFailed,
			Module:        AuditModuleTransactions,
			Message:       fmt.Sprintf("交易 %s 重试耗尽，标记为系统错误", trans.Reference),
			Context:       map[string]interface{}{"error_code": model.ErrorCodeSystemError, model.AuditContextCause: message},
			CardID:        trans.CardID,
			TransactionID: trans.ID,
		})
	}
	return trans, nil
}

// Cancel 只能取消尚未开始结算的交易
func (s *SettlementService) Cancel(ctx context.Context, transactionID string) (*model.Transaction, error) {
	trans, err := s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminalTransactionStatus(trans.Status) {
		return nil, ErrAlreadyProcessed
	}

	cancelled, err := s.transactionRepo.Cancel(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("取消交易失败: %w", err)
	}
	trans, err = s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		if trans.Status == model.TransactionStatusPending {
			return nil, ErrAlreadyProcessing
		}
		return nil, ErrAlreadyProcessed
	}

	log.Printf("[Settlement] 交易已取消: id=%s, ref=%s", trans.ID, trans.Reference)
	recordAudit(ctx, s.audit, AuditEntry{
		Level:         model.AuditLevelInfo,
		Action:        AuditActionTransactionCanceled,
		Module:        AuditModuleTransactions,
		Message:       fmt.Sprintf("交易 %s 已取消", trans.Reference),
		CardID:        trans.CardID,
		TransactionID: trans.ID,
	})
	return trans, nil
}

// Reprocess 校验交易可以重新提交结算：只允许 FAILED 或 PENDING
// FAILED 是终态，重新提交后 Settle 直接返回原结果
func (s *SettlementService) Reprocess(ctx context.Context, transactionID string) (*model.Transaction, error) {
	trans, err := s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if trans.Status != model.TransactionStatusFailed && trans.Status != model.TransactionStatusPending {
		return nil, ErrAlreadyProcessed
	}
	return trans, nil
}

// ListStalePending 查询超过 horizon 仍未结算的交易，供补偿任务重新提交
func (s *SettlementService) ListStalePending(ctx context.Context, horizon time.Duration, limit int) ([]*model.Transaction, error) {
	return s.transactionRepo.GetStalePending(ctx, s.now().Add(-horizon), limit)
}
