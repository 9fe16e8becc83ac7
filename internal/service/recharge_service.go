package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/model"
	"rfidpay/internal/payment"
	"rfidpay/internal/repository"
	"rfidpay/pkg/idgen"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TransactionSubmitter 把交易提交给结算引擎异步处理
type TransactionSubmitter interface {
	SubmitTransaction(ctx context.Context, transactionID string) error
}

// RechargeService 充值编排
//
// 【流程】校验外部支付 -> 创建 RECHARGE 交易并确认充值（同一事务）-> 提交结算
// 充值状态只反映外部支付一侧，余额变更全部由结算引擎完成
type RechargeService struct {
	db              *gorm.DB
	cfg             *config.Config
	payments        *payment.Registry
	submitter       TransactionSubmitter
	audit           AuditSink
	cardRepo        *repository.CardRepository
	rechargeRepo    *repository.RechargeRepository
	transactionRepo *repository.TransactionRepository
	now             func() time.Time
}

func NewRechargeService(db *gorm.DB, cfg *config.Config, payments *payment.Registry, submitter TransactionSubmitter, audit AuditSink) *RechargeService {
	return &RechargeService{
		db:              db,
		cfg:             cfg,
		payments:        payments,
		submitter:       submitter,
		audit:           audit,
		cardRepo:        repository.NewCardRepository(db),
		rechargeRepo:    repository.NewRechargeRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		now:             time.Now,
	}
}

type CreateRechargeRequest struct {
	CardID           string          `json:"card_id" binding:"required"`
	Amount           decimal.Decimal `json:"amount" binding:"money"`
	PaymentMode      string          `json:"payment_mode" binding:"required"`
	PaymentReference string          `json:"payment_reference" binding:"max=100"`
	MobileOperator   string          `json:"mobile_operator" binding:"max=50"`
	MobileNumber     string          `json:"mobile_number" binding:"max=20"`
	IssuingBank      string          `json:"issuing_bank" binding:"max=100"`
	AccountNumber    string          `json:"account_number" binding:"max=50"`
	RechargePoint    string          `json:"recharge_point" binding:"max=255"`
	PerformedBy      string          `json:"-"`
}

// Create 创建 PENDING 充值，确认由调用方异步触发
func (s *RechargeService) Create(ctx context.Context, req *CreateRechargeRequest) (*model.Recharge, error) {
	if !model.IsValidAmount(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if !model.IsValidPaymentMode(req.PaymentMode) {
		return nil, ErrInvalidPaymentMode
	}
	if _, err := s.cardRepo.GetByID(ctx, req.CardID); err != nil {
		return nil, err
	}

	recharge := &model.Recharge{
		CardID:           req.CardID,
		Amount:           req.Amount,
		PaymentMode:      req.PaymentMode,
		PaymentReference: req.PaymentReference,
		MobileOperator:   req.MobileOperator,
		MobileNumber:     req.MobileNumber,
		IssuingBank:      req.IssuingBank,
		AccountNumber:    req.AccountNumber,
		RechargePoint:    req.RechargePoint,
		PerformedBy:      req.PerformedBy,
		ReceiptNo:        idgen.GenerateReceiptNo(),
		Status:           model.RechargeStatusPending,
	}
	if err := s.rechargeRepo.Create(ctx, recharge); err != nil {
		return nil, fmt.Errorf("创建充值记录失败: %w", err)
	}

	log.Printf("[Recharge] 充值已创建: id=%s, receipt=%s, mode=%s, amount=%s",
		recharge.ID, recharge.ReceiptNo, recharge.PaymentMode, recharge.Amount.StringFixed(2))
	return recharge, nil
}

func (s *RechargeService) Get(ctx context.Context, rechargeID string) (*model.Recharge, error) {
	return s.rechargeRepo.GetByID(ctx, rechargeID)
}

// Confirm 执行一次确认尝试
//
// 支付渠道明确返回未到账时充值标记为 FAILED 并返回 nil error；
// 渠道调用出错、存储出错时返回 error，由 Dispatcher 重试
func (s *RechargeService) Confirm(ctx context.Context, rechargeID string) (*model.Recharge, error) {
	recharge, err := s.rechargeRepo.GetByID(ctx, rechargeID)
	if err != nil {
		return nil, err
	}
	if recharge.Status != model.RechargeStatusPending {
		return recharge, nil
	}

	// 外部调用不持有任何锁
	verified, err := s.payments.Verify(ctx, recharge)
	if err != nil {
		return nil, fmt.Errorf("支付校验失败: %w", err)
	}
	if !verified {
		return s.fail(ctx, recharge, "支付未确认", model.AuditLevelWarning)
	}

	card, err := s.cardRepo.GetByID(ctx, recharge.CardID)
	if err != nil {
		return nil, err
	}

	trans := &model.Transaction{
		Reference:     idgen.RechargeTransactionRef(recharge.ReceiptNo),
		CardID:        recharge.CardID,
		Type:          model.TransactionTypeRecharge,
		Amount:        recharge.Amount,
		Currency:      s.cfg.Business.Currency,
		BalanceBefore: decimal.NewNullDecimal(card.Balance),
		Status:        model.TransactionStatusPending,
		Description:   fmt.Sprintf("充值: %s", recharge.PaymentMode),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("创建充值交易失败: %w", err)
		}
		return s.rechargeRepo.MarkConfirmed(ctx, tx, recharge.ID, trans.ID, s.now())
	})
	if err != nil {
		if errors.Is(err, repository.ErrRechargeNotPending) {
			return s.rechargeRepo.GetByID(ctx, rechargeID)
		}
		return nil, err
	}

	log.Printf("[Recharge] 充值已确认: id=%s, transactionID=%s", recharge.ID, trans.ID)
	recordAudit(ctx, s.audit, AuditEntry{
		Level:         model.AuditLevelInfo,
		Action:        AuditActionRechargeConfirmed,
		Module:        AuditModuleRecharges,
		Message:       fmt.Sprintf("充值 %s 支付已确认", recharge.ReceiptNo),
		Context:       map[string]interface{}{"payment_mode": recharge.PaymentMode, "amount": recharge.Amount.StringFixed(2)},
		CardID:        recharge.CardID,
		TransactionID: trans.ID,
	})

	// 提交失败时交易保持 PENDING，由补偿任务重新提交
	if s.submitter != nil {
		if err := s.submitter.SubmitTransaction(ctx, trans.ID); err != nil {
			log.Warnf("[Recharge] 提交结算失败，等待补偿任务: transactionID=%s, err=%v", trans.ID, err)
		}
	}

	return s.rechargeRepo.GetByID(ctx, rechargeID)
}

// Fail 重试耗尽后把充值标记为 FAILED，卡片不受影响
func (s *RechargeService) Fail(ctx context.Context, rechargeID, reason string) (*model.Recharge, error) {
	recharge, err := s.rechargeRepo.GetByID(ctx, rechargeID)
	if err != nil {
		return nil, err
	}
	if recharge.Status != model.RechargeStatusPending {
		return recharge, nil
	}
	return s.fail(ctx, recharge, reason, model.AuditLevelError)
}

func (s *RechargeService) fail(ctx context.Context, recharge *model.Recharge, reason, level string) (*model.Recharge, error) {
	err := s.rechargeRepo.MarkFailed(ctx, recharge.ID, reason)
	if err != nil && !errors.Is(err, repository.ErrRechargeNotPending) {
		return nil, fmt.Errorf("写入充值失败状态失败: %w", err)
	}
	if err == nil {
		log.Warnf("[Recharge] 充值失败: id=%s, reason=%s", recharge.ID, reason)
		recordAudit(ctx, s.audit, AuditEntry{
			Level:   level,
			Action:  AuditActionRechargeFailed,
			Module:  AuditModuleRecharges,
			Message: fmt.Sprintf("充值 %s 失败: %s", recharge.ReceiptNo, reason),
			Context: map[string]interface{}{"payment_mode": recharge.PaymentMode, "amount": recharge.Amount.StringFixed(2)},
			CardID:  recharge.CardID,
		})
	}
	return s.rechargeRepo.GetByID(ctx, recharge.ID)
}
