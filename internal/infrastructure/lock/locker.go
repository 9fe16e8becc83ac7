package lock

import (
	"context"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// Unlock 释放已获取的锁
type Unlock func()

// Locker 互斥锁服务
type Locker interface {
	Acquire(ctx context.Context, key, owner string) (Unlock, error)
}

// RedisLocker 多实例部署使用的分布式锁
type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client, ttl, retryInterval time.Duration, maxRetries int) *RedisLocker {
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, owner string) (Unlock, error) {
	dl := NewDistributedLock(l.client, key, owner, l.ttl)
	if err := dl.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// 调用方的 ctx 可能已经取消，释放锁使用独立的超时
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := dl.Unlock(releaseCtx); err != nil {
			log.Printf("[Lock] 释放锁失败: key=%s, owner=%s, err=%v", key, owner, err)
		}
	}, nil
}

// AcquireAll 按 key 的字典序依次加锁，避免多卡交易之间死锁
// 任意一把锁获取失败时释放已获取的锁
func AcquireAll(ctx context.Context, locker Locker, keys []string, owner string) (Unlock, error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	unlocks := make([]Unlock, 0, len(sorted))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, k := range sorted {
		unlock, err := locker.Acquire(ctx, k, owner)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}
