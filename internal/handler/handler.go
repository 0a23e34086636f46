package handler

import (
	"errors"
	"net/http"
	"strconv"

	"creditpay/internal/gateway"
	"creditpay/internal/service"
	"creditpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Services handler 依赖的业务服务
type Services struct {
	Ledger     *service.Ledger
	Tickets    *service.TicketService
	Redemption *service.RedemptionService
	Callbacks  *service.CallbackService
	TopUp      *service.TopUpService
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger     *service.Ledger
	tickets    *service.TicketService
	redemption *service.RedemptionService
	callbacks  *service.CallbackService
	topUp      *service.TopUpService
	log        logrus.FieldLogger
}

func NewHandler(s Services, log logrus.FieldLogger) *Handler {
	return &Handler{
		ledger:     s.Ledger,
		tickets:    s.Tickets,
		redemption: s.Redemption,
		callbacks:  s.Callbacks,
		topUp:      s.TopUp,
		log:        log,
	}
}

// writeError 按业务错误映射响应码，未识别的错误只返回通用信息
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrAmountNotAllowed):
		response.BusinessError(c, response.CodeAmountNotAllowed, err.Error())
	case errors.Is(err, service.ErrValidation):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrNotFound):
		response.BusinessError(c, response.CodeNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		response.BusinessError(c, response.CodeInvalidTransition, err.Error())
	case errors.Is(err, service.ErrInsufficientCredit):
		response.BusinessError(c, response.CodeInsufficientCredit, err.Error())
	case errors.Is(err, service.ErrStorageConflict):
		response.BusinessError(c, response.CodeStorageConflict, err.Error())
	case errors.Is(err, service.ErrExpired):
		response.BusinessError(c, response.CodeCodeExpired, err.Error())
	case errors.Is(err, service.ErrAlreadyRedeemed):
		response.BusinessError(c, response.CodeCodeRedeemed, err.Error())
	case errors.Is(err, service.ErrNotOwned):
		response.BusinessError(c, response.CodeCodeNotOwned, err.Error())
	case errors.Is(err, service.ErrSignatureInvalid):
		response.BusinessError(c, response.CodeSignatureInvalid, err.Error())
	case errors.Is(err, service.ErrGatewayRejected):
		response.BusinessError(c, response.CodeGatewayRejected, err.Error())
	case errors.Is(err, service.ErrGatewayTimeout):
		response.BusinessError(c, response.CodeGatewayTimeout, err.Error())
	default:
		h.log.WithError(err).WithField("path", c.FullPath()).Error("请求处理失败")
		response.ServerError(c, "服务器内部错误")
	}
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

// ============================================================
// 积分相关接口
// ============================================================

// GetBalance 查询用户积分
// GET /api/v1/credit/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": userID,
		"credit":  balance,
	})
}

// ListLogs 查询积分流水
// GET /api/v1/credit/logs?user_id=xxx&page=1&page_size=20
func (h *Handler) ListLogs(c *gin.Context) {
	userID := c.Query("user_id")
	page, pageSize := pageParams(c)

	logs, total, err := h.ledger.ListLogs(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      logs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ChargeRequest 消费扣减请求
type ChargeRequest struct {
	UserID  string          `json:"user_id" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
	Feature string          `json:"feature"`
	Remark  string          `json:"remark"`
}

// Charge 消费扣减
// POST /api/v1/credit/charge
func (h *Handler) Charge(c *gin.Context) {
	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledger.Charge(c.Request.Context(), req.UserID, req.Amount, req.Feature, req.Remark)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": req.UserID,
		"credit":  balance,
	})
}

// GrantRequest 管理员调整积分
type GrantRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Delta  decimal.Decimal `json:"delta"`
	Remark string          `json:"remark"`
}

// Grant 管理员调整积分，delta 可为负
// POST /api/v1/credit/grant
func (h *Handler) Grant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledger.Grant(c.Request.Context(), req.UserID, req.Delta, req.Remark)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": req.UserID,
		"credit":  balance,
	})
}

// ============================================================
// 充值相关接口
// ============================================================

// TopUpRequest 充值下单请求
type TopUpRequest struct {
	UserID  string          `json:"user_id" binding:"required"`
	Gateway string          `json:"gateway" binding:"required"` // alipay / ezfp
	Amount  decimal.Decimal `json:"amount"`
}

// TopUp 创建充值单并向网关下单，返回二维码或支付链接
// POST /api/v1/credit/topup
func (h *Handler) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	ctx := gateway.WithClientIP(c.Request.Context(), c.ClientIP())
	result, err := h.topUp.CreateTopUp(ctx, req.UserID, req.Gateway, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, result)
}

// ListTickets 查询用户充值单
// GET /api/v1/credit/tickets?user_id=xxx&page=1&page_size=20
func (h *Handler) ListTickets(c *gin.Context) {
	userID := c.Query("user_id")
	page, pageSize := pageParams(c)

	tickets, total, err := h.tickets.ListByUser(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      tickets,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetTicket 查询充值单详情，前端据此轮询支付结果
// GET /api/v1/credit/tickets/:trade_no
func (h *Handler) GetTicket(c *gin.Context) {
	ticket, err := h.tickets.Get(c.Request.Context(), nil, c.Param("trade_no"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			response.BusinessError(c, response.CodeTicketNotFound, "充值单不存在")
			return
		}
		h.writeError(c, err)
		return
	}
	response.Success(c, ticket)
}

// ============================================================
// 兑换码相关接口
// ============================================================

type RedeemRequest struct {
	Code   string `json:"code" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

// Redeem 兑换积分码
// POST /api/v1/credit/redeem
func (h *Handler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.redemption.Redeem(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			response.BusinessError(c, response.CodeCodeNotFound, "兑换码不存在")
			return
		}
		h.writeError(c, err)
		return
	}

	response.Success(c, result)
}

// IssueCodes 批量生成兑换码
// POST /api/v1/credit/codes
func (h *Handler) IssueCodes(c *gin.Context) {
	var req service.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	codes, err := h.redemption.Issue(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  codes,
		"total": len(codes),
	})
}

// ListCodes 按用途查询兑换码
// GET /api/v1/credit/codes?purpose=xxx&page=1&page_size=20
func (h *Handler) ListCodes(c *gin.Context) {
	page, pageSize := pageParams(c)

	codes, total, err := h.redemption.List(c.Request.Context(), c.Query("purpose"), page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      codes,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 网关回调
// ============================================================

// Callback 网关异步通知，返回纯文本应答
// POST /api/v1/credit/callback/alipay
// GET|POST /api/v1/credit/callback/ezfp
func (h *Handler) Callback(gatewayName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.String(http.StatusBadRequest, "fail")
			return
		}
		payload := make(map[string]string, len(c.Request.Form))
		for k := range c.Request.Form {
			payload[k] = c.Request.Form.Get(k)
		}

		ack, err := h.callbacks.HandleCallback(c.Request.Context(), gatewayName, payload)
		if err == nil {
			c.String(http.StatusOK, ack)
			return
		}

		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, service.ErrSignatureInvalid),
			errors.Is(err, service.ErrValidation),
			errors.Is(err, service.ErrInvalidTransition):
			status = http.StatusBadRequest
		case errors.Is(err, service.ErrNotFound):
			status = http.StatusNotFound
		}
		h.log.WithError(err).WithFields(logrus.Fields{
			"gateway":  gatewayName,
			"trade_no": payload["out_trade_no"],
			"status":   status,
		}).Warn("回调处理失败")
		c.String(status, "fail")
	}
}
