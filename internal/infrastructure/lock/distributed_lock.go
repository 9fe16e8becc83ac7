package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key value NX PX ttl
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - PX: 过期时间（持有者崩溃时锁自动释放）
//   - value: 持有者标识，释放时校验，防止误删别人的锁
//
// 释放：Lua 脚本保证"检查 + 删除"原子执行
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取卡片锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的持有者标识
	expiration time.Duration // 锁的过期时间
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，锁已过期或已被他人持有时返回 ErrLockExpired
func (l *DistributedLock) Unlock(ctx context.Context) error {
	deleted, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLockExpired
	}
	return nil
}

// CardLockKey 按卡片维度加锁：同一张卡的余额变更串行，不同卡之间完全并行
func CardLockKey(cardID string) string {
	return fmt.Sprintf("card:lock:%s", cardID)
}
