package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/model"
	"rfidpay/internal/repository"
	"rfidpay/internal/worker"

	log "github.com/sirupsen/logrus"
)

// Settler 结算引擎对 Dispatcher 暴露的操作
type Settler interface {
	Settle(ctx context.Context, transactionID string) (*model.Transaction, error)
	ForceFail(ctx context.Context, transactionID string, cause error) (*model.Transaction, error)
}

// RechargeConfirmer 充值编排对 Dispatcher 暴露的操作
type RechargeConfirmer interface {
	Confirm(ctx context.Context, rechargeID string) (*model.Recharge, error)
	Fail(ctx context.Context, rechargeID, reason string) (*model.Recharge, error)
}

// Dispatcher 把结算、充值确认放到 worker pool 中异步执行
//
// 第 n 次（从 0 开始）尝试返回错误时，n < maxRetries 则在 baseDelay*2^n 后重试，
// 否则交易标记为 SYSTEM_ERROR、充值标记为 FAILED
//
// 一笔交易同时只有一条重试链：排队、执行或退避中的交易再次提交时直接忽略
type Dispatcher struct {
	pool       *worker.Pool
	settler    Settler
	recharges  RechargeConfirmer
	maxRetries int
	baseDelay  time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewDispatcher(pool *worker.Pool, cfg *config.Config, settler Settler) *Dispatcher {
	return &Dispatcher{
		pool:       pool,
		settler:    settler,
		maxRetries: cfg.Business.MaxRetryCount,
		baseDelay:  cfg.Business.RetryBaseDelay,
		inFlight:   make(map[string]struct{}),
	}
}

// AttachRecharges RechargeService 依赖 Dispatcher 提交交易，只能在创建后再注入
func (d *Dispatcher) AttachRecharges(recharges RechargeConfirmer) {
	d.recharges = recharges
}

func (d *Dispatcher) SubmitTransaction(ctx context.Context, transactionID string) error {
	if !d.track(transactionID) {
		log.Debugf("[Dispatcher] 交易已在处理中，忽略重复提交: id=%s", transactionID)
		return nil
	}
	if err := d.pool.Submit(ctx, d.settleJob(transactionID, 0)); err != nil {
		d.untrack(transactionID)
		return err
	}
	return nil
}

// InFlight 交易是否已有排队、执行或退避中的结算
func (d *Dispatcher) InFlight(transactionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[transactionID]
	return ok
}

func (d *Dispatcher) track(transactionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[transactionID]; ok {
		return false
	}
	d.inFlight[transactionID] = struct{}{}
	return true
}

func (d *Dispatcher) untrack(transactionID string) {
	d.mu.Lock()
	delete(d.inFlight, transactionID)
	d.mu.Unlock()
}

func (d *Dispatcher) SubmitRecharge(ctx context.Context, rechargeID string) error {
	if d.recharges == nil {
		return errors.New("未配置充值处理")
	}
	return d.pool.Submit(ctx, d.confirmJob(rechargeID, 0))
}

func (d *Dispatcher) settleJob(transactionID string, attempt int) worker.Job {
	return func(ctx context.Context) {
		_, err := d.settler.Settle(ctx, transactionID)
		if err == nil {
			d.untrack(transactionID)
			return
		}
		if errors.Is(err, repository.ErrTransactionNotFound) {
			log.Errorf("[Dispatcher] 交易不存在，放弃处理: id=%s", transactionID)
			d.untrack(transactionID)
			return
		}

		if retrying, scheduled := d.retry(attempt, func() worker.Job { return d.settleJob(transactionID, attempt+1) }); retrying {
			if !scheduled {
				// pool 已停止，留给补偿任务
				d.untrack(transactionID)
				return
			}
			log.Warnf("[Dispatcher] 结算失败，稍后重试: id=%s, attempt=%d, err=%v", transactionID, attempt+1, err)
			return
		}

		if _, failErr := d.settler.ForceFail(ctx, transactionID, err); failErr != nil {
			log.Errorf("[Dispatcher] 标记交易失败出错: id=%s, err=%v", transactionID, failErr)
		}
		d.untrack(transactionID)
	}
}

func (d *Dispatcher) confirmJob(rechargeID string, attempt int) worker.Job {
	return func(ctx context.Context) {
		_, err := d.recharges.Confirm(ctx, rechargeID)
		if err == nil {
			return
		}
		if errors.Is(err, repository.ErrRechargeNotFound) {
			log.Errorf("[Dispatcher] 充值不存在，放弃处理: id=%s", rechargeID)
			return
		}

		if retrying, scheduled := d.retry(attempt, func() worker.Job { return d.confirmJob(rechargeID, attempt+1) }); retrying {
			if !scheduled {
				return
			}
			log.Warnf("[Dispatcher] 充值确认失败，稍后重试: id=%s, attempt=%d, err=%v", rechargeID, attempt+1, err)
			return
		}

		reason := fmt.Sprintf("%s: %v", model.ErrorCodeSystemError, err)
		if _, failErr := d.recharges.Fail(ctx, rechargeID, reason); failErr != nil {
			log.Errorf("[Dispatcher] 标记充值失败出错: id=%s, err=%v", rechargeID, failErr)
		}
	}
}

// retry retrying=false 表示重试次数已用完；scheduled=false 表示 pool 已停止，留给补偿任务
func (d *Dispatcher) retry(attempt int, next func() worker.Job) (retrying, scheduled bool) {
	if attempt >= d.maxRetries {
		return false, false
	}
	delay := d.baseDelay * time.Duration(1<<attempt)
	if err := d.pool.SubmitAfter(delay, next()); err != nil {
		log.Warnf("[Dispatcher] 安排重试失败: %v", err)
		return true, false
	}
	return true, true
}
