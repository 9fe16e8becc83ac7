package main

import (
	"fmt"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/infrastructure/cache"
	"rfidpay/internal/infrastructure/database"
	"rfidpay/internal/infrastructure/lock"
	"rfidpay/internal/infrastructure/mq"
	"rfidpay/internal/payment"
	"rfidpay/internal/service"
	"rfidpay/internal/worker"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app 进程内共享的依赖
type app struct {
	cfg         *config.Config
	db          *gorm.DB
	redisClient *redis.Client
	producer    *mq.Producer
	pool        *worker.Pool
	dispatcher  *service.Dispatcher
	cards       *service.CardService
	settlement  *service.SettlementService
	recharges   *service.RechargeService
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return nil, err
	}

	var producer *mq.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = mq.NewProducer(&cfg.Kafka)
		if err != nil {
			cache.CloseRedis(redisClient)
			return nil, err
		}
	} else {
		log.Warn("未配置 Kafka，通知和审计事件只保留在 outbox 表")
	}

	locker := newLocker(cfg, redisClient)
	notifier := service.NewOutboxNotifier(db, cfg.Kafka.Topic.Notification)
	audit := service.NewDBAuditSink(db, cfg.Kafka.Topic.Audit)

	pool := worker.NewPool("SettlementPool", cfg.Business.Workers, cfg.Business.QueueSize)

	cards := service.NewCardService(db, cfg, locker, notifier, audit)
	settlement := service.NewSettlementService(db, cfg, locker, cards, notifier, audit)
	dispatcher := service.NewDispatcher(pool, cfg, settlement)
	recharges := service.NewRechargeService(db, cfg, payment.NewRegistry(), dispatcher, audit)
	dispatcher.AttachRecharges(recharges)

	return &app{
		cfg:         cfg,
		db:          db,
		redisClient: redisClient,
		producer:    producer,
		pool:        pool,
		dispatcher:  dispatcher,
		cards:       cards,
		settlement:  settlement,
		recharges:   recharges,
	}, nil
}

// newLocker 配置为 redis 但未连接 Redis 时退化为进程内锁，只适用于单实例部署
func newLocker(cfg *config.Config, redisClient *redis.Client) lock.Locker {
	if cfg.Lock.Backend == "redis" && redisClient != nil {
		return lock.NewRedisLocker(redisClient, cfg.Lock.TTL, cfg.Lock.RetryInterval, cfg.Lock.MaxRetries)
	}
	if cfg.Lock.Backend == "redis" {
		log.Warn("Redis 不可用，卡片锁使用进程内实现")
	}
	return lock.NewMemoryLocker(cfg.Lock.RetryInterval * time.Duration(maxInt(cfg.Lock.MaxRetries, 1)))
}

func (a *app) close() {
	a.pool.Stop()
	a.producer.Close()
	cache.CloseRedis(a.redisClient)
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Printf("关闭数据库连接失败: %v", err)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, nil
}
