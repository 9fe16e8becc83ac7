package job

import (
	"context"
	"sync"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/model"
	"rfidpay/internal/repository"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MessageSender Kafka 生产者
type MessageSender interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 轮询 outbox 表，把通知和审计事件投递到 Kafka
// 单条消息失败累计重试次数，达到 business.outbox_max_retry 后标记为 FAILED
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	sender     MessageSender
	maxRetry   int
	stopCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, sender MessageSender) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		sender:     sender,
		maxRetry:   cfg.Business.OutboxMaxRetry,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce 处理一批待发送消息，返回发送成功的数量
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询消息失败: %v", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.sender.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, updateErr)
			return false
		}
		log.Debugf("[OutboxSender] 消息发送成功: id=%d, topic=%s, key=%s", msg.ID, msg.Topic, msg.MessageKey)
		return true
	}

	giveUp := msg.RetryCount+1 >= s.maxRetry
	log.Printf("[OutboxSender] 消息发送失败: id=%d, retry=%d, err=%v", msg.ID, msg.RetryCount+1, err)

	if recordErr := s.outboxRepo.RecordFailure(ctx, msg.ID, err.Error(), giveUp); recordErr != nil {
		log.Printf("[OutboxSender] 记录发送失败出错: id=%d, err=%v", msg.ID, recordErr)
	} else if giveUp {
		log.Printf("[OutboxSender] 消息超过最大重试次数，标记为失败: id=%d", msg.ID)
	}
	return false
}
