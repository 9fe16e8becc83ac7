package main

import (
	"context"
	"testing"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/infrastructure/lock"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestNewLockerFallsBackToMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Lock.Backend = "redis"
	cfg.Lock.RetryInterval = 10 * time.Millisecond
	cfg.Lock.MaxRetries = 3

	locker, ok := newLocker(cfg, nil).(*lock.MemoryLocker)
	if !ok {
		t.Fatalf("expected in-process locker without redis, got %T", newLocker(cfg, nil))
	}

	unlock, err := locker.Acquire(context.Background(), lock.CardLockKey("c1"), "owner-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer unlock()

	// 等待上限为 RetryInterval * MaxRetries
	start := time.Now()
	if _, err := locker.Acquire(context.Background(), lock.CardLockKey("c1"), "owner-2"); err == nil {
		t.Fatal("expected second acquire to time out")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond || elapsed > time.Second {
		t.Fatalf("unexpected wait %s", elapsed)
	}
}

func TestNewLockerUsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := config.Default()
	cfg.Lock.Backend = "redis"
	if _, ok := newLocker(cfg, client).(*lock.RedisLocker); !ok {
		t.Fatalf("expected redis locker, got %T", newLocker(cfg, client))
	}
}
