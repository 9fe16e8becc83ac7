package job

import (
	"context"
	"sync"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/model"
	"rfidpay/internal/service"

	log "github.com/sirupsen/logrus"
)

// StalePendingLister 查询超时未结算的交易
type StalePendingLister interface {
	ListStalePending(ctx context.Context, horizon time.Duration, limit int) ([]*model.Transaction, error)
}

// PendingSweepJob 补偿任务
//
// PENDING 超过 business.pending_horizon 的交易视为漏投递，重新提交给结算引擎，
// 而不是直接关闭。Settle 是幂等的，重复提交不会重复扣款
type PendingSweepJob struct {
	lister    StalePendingLister
	submitter service.TransactionSubmitter
	horizon   time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	batchSize int
}

func NewPendingSweepJob(cfg *config.Config, lister StalePendingLister, submitter service.TransactionSubmitter) *PendingSweepJob {
	return &PendingSweepJob{
		lister:    lister,
		submitter: submitter,
		horizon:   cfg.Business.PendingHorizon,
		stopCh:    make(chan struct{}),
		interval:  cfg.Business.SweepInterval,
		batchSize: cfg.Business.SweepBatchSize,
	}
}

func (j *PendingSweepJob) Start(ctx context.Context) {
	log.Println("[PendingSweepJob] 补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[PendingSweepJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[PendingSweepJob] 任务停止")
			return
		case <-ticker.C:
			if _, err := j.SweepOnce(ctx); err != nil {
				log.Printf("[PendingSweepJob] 补偿失败: %v", err)
			}
		}
	}
}

func (j *PendingSweepJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// SweepOnce 重新提交一批超时交易，返回提交成功的数量
func (j *PendingSweepJob) SweepOnce(ctx context.Context) (int, error) {
	transactions, err := j.lister.ListStalePending(ctx, j.horizon, j.batchSize)
	if err != nil {
		return 0, err
	}
	if len(transactions) == 0 {
		return 0, nil
	}

	log.Printf("[PendingSweepJob] 发现 %d 笔超时未结算交易", len(transactions))

	submitted := 0
	for _, trans := range transactions {
		if err := j.submitter.SubmitTransaction(ctx, trans.ID); err != nil {
			log.Printf("[PendingSweepJob] 重新提交失败: id=%s, err=%v", trans.ID, err)
			continue
		}
		submitted++
	}

	log.Printf("[PendingSweepJob] 本次重新提交 %d 笔交易", submitted)
	return submitted, nil
}
