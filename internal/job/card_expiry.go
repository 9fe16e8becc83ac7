package job

import (
	"context"
	"sync"
	"time"

	"rfidpay/internal/config"

	log "github.com/sirupsen/logrus"
)

type CardExpirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// CardExpiryJob 定期把过期卡片标记为 EXPIRED，状态变更走卡片注册中心，会写入状态历史
type CardExpiryJob struct {
	cards     CardExpirer
	stopCh    chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	batchSize int
}

func NewCardExpiryJob(cfg *config.Config, cards CardExpirer) *CardExpiryJob {
	return &CardExpiryJob{
		cards:     cards,
		stopCh:    make(chan struct{}),
		interval:  cfg.Business.ExpiryInterval,
		batchSize: 100,
	}
}

func (j *CardExpiryJob) Start(ctx context.Context) {
	log.Println("[CardExpiryJob] 卡片过期任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[CardExpiryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[CardExpiryJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *CardExpiryJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *CardExpiryJob) RunOnce(ctx context.Context) int {
	expired, err := j.cards.ExpireDue(ctx, j.batchSize)
	if err != nil {
		log.Printf("[CardExpiryJob] 处理过期卡片失败: %v", err)
		return 0
	}
	if expired > 0 {
		log.Printf("[CardExpiryJob] 本次标记 %d 张卡片过期", expired)
	}
	return expired
}
