package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AuditLevelDebug    = "DEBUG"
	AuditLevelInfo     = "INFO"
	AuditLevelWarning  = "WARNING"
	AuditLevelError    = "ERROR"
	AuditLevelCritical = "CRITICAL"
)

// AuditContextCause 审计上下文中保存原始错误的字段，不对外返回
const AuditContextCause = "cause"

// AuditLog 系统审计日志
type AuditLog struct {
	ID            string         `gorm:"type:char(36);primaryKey" json:"id"`
	Level         string         `gorm:"type:varchar(20);index:idx_audit_level_created;not null" json:"level"`
	Action        string         `gorm:"type:varchar(100);index:idx_audit_action_created;not null" json:"action"`
	Module        string         `gorm:"type:varchar(100);not null" json:"module"`
	Message       string         `gorm:"type:text" json:"message"`
	Context       datatypes.JSON `json:"context,omitempty"`
	CardID        *string        `gorm:"type:char(36);index" json:"card_id,omitempty"`
	TransactionID *string        `gorm:"type:char(36);index" json:"transaction_id,omitempty"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index:idx_audit_level_created;index:idx_audit_action_created" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

func (l *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// ClientView 返回去掉原始错误的副本
func (l *AuditLog) ClientView() *AuditLog {
	view := *l
	if len(view.Context) == 0 {
		return &view
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(view.Context, &fields); err != nil {
		view.Context = nil
		return &view
	}
	if _, ok := fields[AuditContextCause]; !ok {
		return &view
	}
	delete(fields, AuditContextCause)
	raw, err := json.Marshal(fields)
	if err != nil {
		view.Context = nil
		return &view
	}
	view.Context = raw
	return &view
}
