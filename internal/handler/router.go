package handler

import (
	"rfidpay/internal/config"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SetupRouter 配置路由，limiter 为 nil 时不限流
func SetupRouter(h *Handler, limiter Limiter, cfg *config.Config) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := RegisterValidators(); err != nil {
		log.Fatalf("注册参数校验失败: %v", err)
	}

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API 路由组
	api := r.Group("/api/v1")
	if limiter != nil && cfg.RateLimit.Enabled {
		api.Use(RateLimitMiddleware(limiter))
	}
	{
		// 交易相关
		transactions := api.Group("/transactions")
		{
			transactions.POST("", h.CreateTransaction)
			transactions.GET("/:id", h.GetTransaction)
			transactions.GET("/:id/audit", h.TransactionAuditTrail)
			transactions.GET("/reference/:reference", h.GetTransactionByReference)
			transactions.POST("/:id/reprocess", h.ReprocessTransaction)
			transactions.POST("/:id/cancel", h.CancelTransaction)
		}

		// 充值相关
		recharges := api.Group("/rechargements")
		{
			recharges.POST("", h.CreateRecharge)
			recharges.GET("/:id", h.GetRecharge)
		}

		// 卡片相关
		cards := api.Group("/cards")
		{
			cards.POST("", h.IssueCard)
			cards.GET("/:id", h.GetCard)
			cards.POST("/:id/activate", h.ActivateCard)
			cards.POST("/:id/block", h.BlockCard)
			cards.POST("/:id/unblock", h.UnblockCard)
			cards.POST("/:id/report-lost", h.ReportLost)
			cards.POST("/:id/report-stolen", h.ReportStolen)
			cards.POST("/:id/assign", h.AssignOwner)
			cards.PUT("/:id/limits", h.UpdateLimits)
			cards.GET("/:id/transactions", h.ListCardTransactions)
			cards.GET("/:id/status-history", h.CardStatusHistory)
		}
	}

	return r
}
