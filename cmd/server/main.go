package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rfidpay/internal/handler"
	"rfidpay/internal/infrastructure/cache"
	"rfidpay/internal/infrastructure/database"
	"rfidpay/internal/infrastructure/logger"
	"rfidpay/internal/job"
	"rfidpay/internal/repository"
	"rfidpay/pkg/idgen"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version 构建时通过 -ldflags "-X main.Version=..." 注入
var Version = "dev"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rfidpay",
		Short:         "RFID 预付卡结算服务",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "配置文件路径")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "启动 HTTP 服务、worker pool 和后台任务",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "自动迁移数据库表结构",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "执行一次超时交易补偿并等待结算完成",
			RunE:  runSweep,
		},
		newOutboxRequeueCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "打印版本号",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(Version)
			},
		},
	)
	return rootCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Init(&cfg.Log)
	idgen.Init(cfg.Server.NodeID)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.pool.Start()

	// 启动后台任务
	if a.producer != nil {
		outboxSender := job.NewOutboxSender(a.db, cfg, a.producer)
		go outboxSender.Start(ctx)
	}

	sweepJob := job.NewPendingSweepJob(cfg, a.settlement, a.dispatcher)
	go sweepJob.Start(ctx)

	expiryJob := job.NewCardExpiryJob(cfg, a.cards)
	go expiryJob.Start(ctx)

	// 设置路由
	var limiter handler.Limiter
	if a.redisClient != nil {
		limiter = cache.NewRateLimiter(a.redisClient, cfg.RateLimit.RequestsPerMinute, time.Minute)
	}
	h := handler.NewHandler(a.cards, a.settlement, a.recharges, a.dispatcher)
	router := handler.SetupRouter(h, limiter, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	// 取消上下文，停止后台任务；worker pool 在 a.close 中执行完已入队的任务
	cancel()

	log.Println("服务已关闭")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Init(&cfg.Log)

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	log.Println("数据库迁移完成")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Init(&cfg.Log)
	idgen.Init(cfg.Server.NodeID)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.pool.Start()
	submitted, err := job.NewPendingSweepJob(cfg, a.settlement, a.dispatcher).SweepOnce(cmd.Context())
	if err != nil {
		return err
	}
	log.Printf("已重新提交 %d 笔交易，等待结算完成", submitted)
	return nil
}

func newOutboxRequeueCmd() *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "outbox-requeue",
		Short: "把投递失败的 outbox 消息重新放回发送队列",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger.Init(&cfg.Log)

			db, err := database.Open(&cfg.Database)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			if topic == "" {
				topic = cfg.Kafka.Topic.Notification
			}
			n, err := repository.NewOutboxRepository(db).RequeueFailed(cmd.Context(), topic)
			if err != nil {
				return err
			}
			log.Printf("已重新排队 %d 条消息: topic=%s", n, topic)
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "消息 topic，默认通知 topic")
	return cmd
}
