package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRateLimiter(client, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if allowed, err := limiter.Allow(ctx, "10.0.0.1"); err != nil || allowed {
		t.Fatalf("4th request should be rejected, got %v/%v", allowed, err)
	}

	// 不同主体独立计数
	if allowed, err := limiter.Allow(ctx, "10.0.0.2"); err != nil || !allowed {
		t.Fatalf("other subject should be allowed, got %v/%v", allowed, err)
	}

	keys := mr.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected one counter per subject, got %v", keys)
	}
	for _, k := range keys {
		if ttl := mr.TTL(k); ttl <= 0 || ttl > time.Hour {
			t.Fatalf("counter %s must expire within the window, ttl=%s", k, ttl)
		}
	}
}

func TestRateLimiterReturnsRedisError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	if _, err := NewRateLimiter(client, 3, time.Minute).Allow(context.Background(), "10.0.0.1"); err == nil {
		t.Fatal("expected error when redis is unavailable")
	}
}
