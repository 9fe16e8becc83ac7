package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rfidpay/internal/model"
	"rfidpay/internal/repository"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	SeveritySuccess = "SUCCESS"
	SeverityWarning = "WARNING"
)

const (
	ChannelEmail = "EMAIL"
	ChannelSMS   = "SMS"
)

// Notification 发给持卡人的一条通知
type Notification struct {
	RecipientID string `json:"recipient_id"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Channel     string `json:"channel"`
	CardID      string `json:"card_id,omitempty"`
}

// Notifier 通知投递，尽力而为：失败只记录日志，不影响已提交的业务结果
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// OutboxNotifier 把通知写入 outbox，由 OutboxSender 投递到 Kafka
type OutboxNotifier struct {
	outboxRepo *repository.OutboxRepository
	topic      string
}

func NewOutboxNotifier(db *gorm.DB, topic string) *OutboxNotifier {
	return &OutboxNotifier{
		outboxRepo: repository.NewOutboxRepository(db),
		topic:      topic,
	}
}

func (n *OutboxNotifier) Notify(ctx context.Context, notification Notification) error {
	payload, err := json.Marshal(struct {
		Notification
		CreatedAt string `json:"created_at"`
	}{notification, time.Now().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	return n.outboxRepo.Create(ctx, nil, &model.OutboxMessage{
		MessageKey: notification.RecipientID,
		Topic:      n.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

// notifyCardOwner 卡片未分配持卡人时没有接收方，直接跳过
func notifyCardOwner(ctx context.Context, notifier Notifier, card *model.Card, severity, title, body, channel string) {
	if notifier == nil {
		return
	}
	recipient := card.OwnerID()
	if recipient == "" {
		log.Debugf("[Notify] 卡片未分配持卡人，跳过通知: cardID=%s, title=%s", card.ID, title)
		return
	}

	err := notifier.Notify(ctx, Notification{
		RecipientID: recipient,
		Severity:    severity,
		Title:       title,
		Body:        body,
		Channel:     channel,
		CardID:      card.ID,
	})
	if err != nil {
		log.Warnf("[Notify] 通知发送失败: cardID=%s, title=%s, err=%v", card.ID, title, err)
	}
}
