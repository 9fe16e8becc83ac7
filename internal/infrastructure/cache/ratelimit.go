package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter Redis 固定窗口计数器，多实例共享同一个限额
//
//	key: ratelimit:<subject>:<窗口序号>
//	INCR 计数，过期时间为一个窗口
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
	}
}

// Allow 返回本次请求是否在限额内
func (l *RateLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	slot := time.Now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("ratelimit:%s:%d", subject, slot)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= l.limit, nil
}
