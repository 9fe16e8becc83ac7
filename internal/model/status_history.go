package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StatusChangeRecord 卡片状态变更历史
//
// 只追加，不修改，不删除。只能通过卡片注册中心的 SetStatus 写入，
// 与卡片状态的写入处于同一个数据库事务
type StatusChangeRecord struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	CardID    string    `gorm:"type:char(36);index;not null" json:"card_id"`
	OldStatus string    `gorm:"type:varchar(20);not null" json:"old_status"`
	NewStatus string    `gorm:"type:varchar(20);not null" json:"new_status"`
	Reason    string    `gorm:"type:text" json:"reason,omitempty"`
	Actor     string    `gorm:"type:varchar(64)" json:"actor,omitempty"`
	ClientIP  string    `gorm:"type:varchar(45)" json:"client_ip,omitempty"`
	UserAgent string    `gorm:"type:text" json:"user_agent,omitempty"`
	ChangedAt time.Time `gorm:"index;not null" json:"changed_at"`
}

func (StatusChangeRecord) TableName() string {
	return "card_status_history"
}

func (r *StatusChangeRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
