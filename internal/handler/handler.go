package handler

import (
	"context"
	"errors"
	"strconv"

	"rfidpay/internal/infrastructure/lock"
	"rfidpay/internal/model"
	"rfidpay/internal/payment"
	"rfidpay/internal/repository"
	"rfidpay/internal/service"
	"rfidpay/pkg/response"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	HeaderActorID  = "X-Actor-ID"
	AnonymousActor = "anonymous"
)

// Submitter 异步提交结算和充值确认
type Submitter interface {
	SubmitTransaction(ctx context.Context, transactionID string) error
	SubmitRecharge(ctx context.Context, rechargeID string) error
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	cardService       *service.CardService
	settlementService *service.SettlementService
	rechargeService   *service.RechargeService
	submitter         Submitter
}

func NewHandler(cards *service.CardService, settlement *service.SettlementService, recharges *service.RechargeService, submitter Submitter) *Handler {
	return &Handler{
		cardService:       cards,
		settlementService: settlement,
		rechargeService:   recharges,
		submitter:         submitter,
	}
}

// actorFrom 操作人由上游网关通过 X-Actor-ID 传入
func actorFrom(c *gin.Context) model.Actor {
	id := c.GetHeader(HeaderActorID)
	if id == "" {
		id = AnonymousActor
	}
	return model.Actor{
		ID:        id,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// writeError 把已知错误转换为业务码，未知错误只记录日志，不把存储层信息返回给客户端
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrCardNotFound):
		response.NotFound(c, response.CodeCardNotFound, "卡片不存在")
	case errors.Is(err, repository.ErrTransactionNotFound):
		response.NotFound(c, response.CodeTransactionNotFound, "交易不存在")
	case errors.Is(err, repository.ErrRechargeNotFound):
		response.NotFound(c, response.CodeRechargeNotFound, "充值记录不存在")
	case errors.Is(err, service.ErrAlreadyInState):
		response.BusinessError(c, response.CodeAlreadyInState, err.Error())
	case errors.Is(err, service.ErrInvalidStatusTransition):
		response.BusinessError(c, response.CodeCardStatusInvalid, err.Error())
	case errors.Is(err, service.ErrAlreadyProcessing):
		response.BusinessError(c, response.CodeAlreadyProcessing, err.Error())
	case errors.Is(err, service.ErrAlreadyProcessed):
		response.BusinessError(c, response.CodeAlreadyProcessed, err.Error())
	case errors.Is(err, repository.ErrCardAlreadyAssigned):
		response.BusinessError(c, response.CodeCardAlreadyAssigned, err.Error())
	case errors.Is(err, repository.ErrConcurrentModification):
		response.BusinessError(c, response.CodeConcurrentModification, err.Error())
	case errors.Is(err, lock.ErrLockFailed):
		response.BusinessError(c, response.CodeSystemBusy, "系统繁忙，请稍后重试")
	case errors.Is(err, service.ErrInvalidCardStatus),
		errors.Is(err, service.ErrInvalidOwner),
		errors.Is(err, service.ErrInvalidLimits),
		errors.Is(err, service.ErrInvalidCardType),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidTransactionType),
		errors.Is(err, service.ErrRecipientRequired),
		errors.Is(err, service.ErrSameCard),
		errors.Is(err, service.ErrInvalidPaymentMode),
		errors.Is(err, payment.ErrUnsupportedMode):
		response.ParamError(c, err.Error())
	default:
		log.Errorf("[HTTP] %s %s 处理失败: %v", c.Request.Method, c.Request.URL.Path, err)
		response.ServerError(c, "服务器内部错误")
	}
}

// bindOptionalJSON 请求体可以为空
func bindOptionalJSON(c *gin.Context, obj interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return false
	}
	return true
}

// ============================================================
// 交易相关接口
// ============================================================

// CreateTransaction 创建交易并异步结算
// POST /api/v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req service.CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.settlementService.Create(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	// 提交失败时交易保持 PENDING，由补偿任务重新提交
	if err := h.submitter.SubmitTransaction(c.Request.Context(), trans.ID); err != nil {
		log.Warnf("[HTTP] 提交结算失败: transactionID=%s, err=%v", trans.ID, err)
	}

	response.Success(c, gin.H{
		"transaction_id": trans.ID,
		"reference":      trans.Reference,
		"status":         trans.Status,
	})
}

// GetTransaction 查询交易详情
// GET /api/v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	trans, err := h.settlementService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, trans.ClientView())
}

// GetTransactionByReference 按流水号查询交易
// GET /api/v1/transactions/reference/:reference
func (h *Handler) GetTransactionByReference(c *gin.Context) {
	trans, err := h.settlementService.GetByReference(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, trans.ClientView())
}

// TransactionAuditTrail 查询交易审计记录
// GET /api/v1/transactions/:id/audit
func (h *Handler) TransactionAuditTrail(c *gin.Context) {
	records, err := h.settlementService.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]*model.AuditLog, 0, len(records))
	for _, r := range records {
		views = append(views, r.ClientView())
	}
	response.Success(c, gin.H{"list": views})
}

// ReprocessTransaction 重新提交结算，只允许 FAILED 或 PENDING 交易
// POST /api/v1/transactions/:id/reprocess
func (h *Handler) ReprocessTransaction(c *gin.Context) {
	trans, err := h.settlementService.Reprocess(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	if err := h.submitter.SubmitTransaction(c.Request.Context(), trans.ID); err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_id": trans.ID,
		"status":         trans.Status,
	})
}

// CancelTransaction 取消尚未开始结算的交易
// POST /api/v1/transactions/:id/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	trans, err := h.settlementService.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"transaction_id": trans.ID,
		"status":         trans.Status,
	})
}

// ============================================================
// 充值相关接口
// ============================================================

// CreateRecharge 创建充值并异步确认
// POST /api/v1/rechargements
func (h *Handler) CreateRecharge(c *gin.Context) {
	var req service.CreateRechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.PerformedBy = actorFrom(c).ID

	recharge, err := h.rechargeService.Create(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	if err := h.submitter.SubmitRecharge(c.Request.Context(), recharge.ID); err != nil {
		log.Warnf("[HTTP] 提交充值确认失败: rechargeID=%s, err=%v", recharge.ID, err)
	}

	response.Success(c, gin.H{
		"recharge_id": recharge.ID,
		"receipt_no":  recharge.ReceiptNo,
		"status":      recharge.Status,
	})
}

// GetRecharge 查询充值详情
// GET /api/v1/rechargements/:id
func (h *Handler) GetRecharge(c *gin.Context) {
	recharge, err := h.rechargeService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, recharge.ClientView())
}

// ============================================================
// 卡片相关接口
// ============================================================

// StatusChangeRequest 冻结、解冻、挂失的可选原因
type StatusChangeRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// IssueCard 发卡
// POST /api/v1/cards
func (h *Handler) IssueCard(c *gin.Context) {
	var req service.IssueCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	card, err := h.cardService.Issue(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, card)
}

// GetCard 查询卡片
// GET /api/v1/cards/:id
func (h *Handler) GetCard(c *gin.Context) {
	card, err := h.cardService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, card)
}

// ActivateCard 激活卡片
// POST /api/v1/cards/:id/activate
func (h *Handler) ActivateCard(c *gin.Context) {
	card, err := h.cardService.Activate(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, card)
}

// BlockCard 冻结卡片
// POST /api/v1/cards/:id/block
func (h *Handler) BlockCard(c *gin.Context) {
	h.changeStatus(c, h.cardService.Block)
}

// UnblockCard 解冻卡片
// POST /api/v1/cards/:id/unblock
func (h *Handler) UnblockCard(c *gin.Context) {
	h.changeStatus(c, h.cardService.Unblock)
}

// ReportLost 挂失
// POST /api/v1/cards/:id/report-lost
func (h *Handler) ReportLost(c *gin.Context) {
	h.changeStatus(c, h.cardService.ReportLost)
}

// ReportStolen 报告被盗
// POST /api/v1/cards/:id/report-stolen
func (h *Handler) ReportStolen(c *gin.Context) {
	h.changeStatus(c, h.cardService.ReportStolen)
}

type statusChangeFunc func(ctx context.Context, cardID, reason string, actor model.Actor) (*model.Card, error)

func (h *Handler) changeStatus(c *gin.Context, change statusChangeFunc) {
	var req StatusChangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	card, err := change(c.Request.Context(), c.Param("id"), req.Reason, actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"card_id": card.ID,
		"status":  card.Status,
	})
}

// AssignOwnerRequest 个人和机构只能填写一个
type AssignOwnerRequest struct {
	PersonID       *string `json:"person_id"`
	OrganizationID *string `json:"organization_id"`
}

// AssignOwner 绑定持卡人
// POST /api/v1/cards/:id/assign
func (h *Handler) AssignOwner(c *gin.Context) {
	var req AssignOwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	card, err := h.cardService.AssignOwner(c.Request.Context(), c.Param("id"), req.PersonID, req.OrganizationID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, card)
}

// UpdateLimits 修改额度
// PUT /api/v1/cards/:id/limits
func (h *Handler) UpdateLimits(c *gin.Context) {
	var req service.UpdateLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	card, err := h.cardService.UpdateLimits(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"card_id":         card.ID,
		"daily_limit":     card.DailyLimit,
		"monthly_limit":   card.MonthlyLimit,
		"maximum_balance": card.MaximumBalance,
	})
}

// ListCardTransactions 查询卡片交易列表（付款方或收款方）
// GET /api/v1/cards/:id/transactions?page=1&page_size=20
func (h *Handler) ListCardTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	transactions, total, err := h.cardService.ListTransactions(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]*model.Transaction, 0, len(transactions))
	for _, t := range transactions {
		views = append(views, t.ClientView())
	}

	response.Success(c, gin.H{
		"list":      views,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// CardStatusHistory 查询卡片状态历史
// GET /api/v1/cards/:id/status-history
func (h *Handler) CardStatusHistory(c *gin.Context) {
	records, err := h.cardService.StatusHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": records})
}
