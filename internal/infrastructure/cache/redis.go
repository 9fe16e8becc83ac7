package cache

import (
	"context"
	"fmt"
	"time"

	"rfidpay/internal/config"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// InitRedis 初始化 Redis 连接，未配置主机时返回 nil（单机模式：卡片锁使用进程内实现，不限流）
func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		log.Warn("未配置 Redis，以单机模式运行")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	log.Println("Redis 连接成功")
	return client, nil
}

func CloseRedis(client *redis.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		log.Printf("关闭 Redis 连接失败: %v", err)
	}
}
