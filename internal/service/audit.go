package service

import (
	"context"
	"encoding/json"
	"fmt"

	"rfidpay/internal/model"
	"rfidpay/internal/repository"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AuditActionTransactionSettled  = "TRANSACTION_SETTLED"
	AuditActionTransactionFailed   = "TRANSACTION_FAILED"
	AuditActionTransactionCanceled = "TRANSACTION_CANCELLED"
	AuditActionCardStatusChanged   = "CARD_STATUS_CHANGED"
	AuditActionCardIssued          = "CARD_ISSUED"
	AuditActionRechargeConfirmed   = "RECHARGE_CONFIRMED"
	AuditActionRechargeFailed      = "RECHARGE_FAILED"
)

const (
	AuditModuleTransactions = "transactions"
	AuditModuleCards        = "cards"
	AuditModuleRecharges    = "recharges"
)

// AuditEntry 一条结构化审计事件
type AuditEntry struct {
	Level         string
	Action        string
	Module        string
	Message       string
	Context       map[string]interface{}
	CardID        string
	TransactionID string
}

// AuditSink 审计事件的接收方，尽力而为
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// DBAuditSink 写入 audit_logs，并通过 outbox 镜像到 Kafka 审计 topic
type DBAuditSink struct {
	auditRepo  *repository.AuditRepository
	outboxRepo *repository.OutboxRepository
	topic      string
}

// NewDBAuditSink topic 为空时只写数据库
func NewDBAuditSink(db *gorm.DB, topic string) *DBAuditSink {
	return &DBAuditSink{
		auditRepo:  repository.NewAuditRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		topic:      topic,
	}
}

func (s *DBAuditSink) Record(ctx context.Context, entry AuditEntry) error {
	record := &model.AuditLog{
		Level:   entry.Level,
		Action:  entry.Action,
		Module:  entry.Module,
		Message: entry.Message,
	}
	if entry.CardID != "" {
		record.CardID = &entry.CardID
	}
	if entry.TransactionID != "" {
		record.TransactionID = &entry.TransactionID
	}
	if len(entry.Context) > 0 {
		raw, err := json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("序列化审计上下文失败: %w", err)
		}
		record.Context = datatypes.JSON(raw)
	}

	if err := s.auditRepo.Create(ctx, record); err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}

	if s.topic == "" {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化审计日志失败: %w", err)
	}
	key := entry.CardID
	if key == "" {
		key = record.ID
	}
	return s.outboxRepo.Create(ctx, nil, &model.OutboxMessage{
		MessageKey: key,
		Topic:      s.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

func recordAudit(ctx context.Context, sink AuditSink, entry AuditEntry) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, entry); err != nil {
		log.Warnf("[Audit] 审计记录失败: action=%s, err=%v", entry.Action, err)
	}
}
