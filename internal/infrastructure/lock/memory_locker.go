package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker 进程内的按 key 互斥锁，单实例部署和测试使用
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	timeout time.Duration
}

// NewMemoryLocker timeout 为等待锁的最长时间，<= 0 表示只受 ctx 约束
func NewMemoryLocker(timeout time.Duration) *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]*memoryEntry),
		timeout: timeout,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key, owner string) (Unlock, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &memoryEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	case <-timeout:
		l.release(key, e)
		return nil, ErrLockFailed
	}
}

func (l *MemoryLocker) release(key string, e *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
