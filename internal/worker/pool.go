package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrPoolStopped = errors.New("worker pool 已停止")

// Job 一个独立的工作单元
type Job func(ctx context.Context)

// Pool 固定数量 worker 消费有界队列
//
// 停止顺序：拒绝新任务 -> 放弃未到期的延迟任务 -> 执行完队列中已有任务 -> 取消 job ctx
type Pool struct {
	name string
	size int
	jobs chan Job

	jobCtx    context.Context
	jobCancel context.CancelFunc

	stopCtx    context.Context
	stopCancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	workers sync.WaitGroup
	timers  sync.WaitGroup
}

func NewPool(name string, size, queueSize int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size
	}
	jobCtx, jobCancel := context.WithCancel(context.Background())
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &Pool{
		name:       name,
		size:       size,
		jobs:       make(chan Job, queueSize),
		jobCtx:     jobCtx,
		jobCancel:  jobCancel,
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
	}
}

// Start 启动 worker
func (p *Pool) Start() {
	log.Printf("[%s] 启动 %d 个 worker", p.name, p.size)
	for i := 0; i < p.size; i++ {
		p.workers.Add(1)
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.execute(job)
	}
}

func (p *Pool) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%s] job panic: %v", p.name, r)
		}
	}()
	job(p.jobCtx)
}

// Submit 把 job 放入队列，队列满时阻塞直到有空位、ctx 结束或 pool 停止
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCtx.Done():
		return ErrPoolStopped
	}
}

// SubmitAfter 延迟 delay 后提交，用于重试退避；等待期间不占用 worker
func (p *Pool) SubmitAfter(delay time.Duration, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	p.timers.Add(1)
	go func() {
		defer p.timers.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := p.Submit(p.stopCtx, job); err != nil {
				log.Warnf("[%s] 延迟任务提交失败: %v", p.name, err)
			}
		case <-p.stopCtx.Done():
		}
	}()
	return nil
}

// Stop 停止 pool 并等待已入队任务执行完毕，可重复调用
func (p *Pool) Stop() {
	p.stopCancel()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.timers.Wait()
	close(p.jobs)
	p.workers.Wait()
	p.jobCancel()
	log.Printf("[%s] 已停止", p.name)
}
