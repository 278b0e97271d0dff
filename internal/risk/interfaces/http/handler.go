// Package http 风控上下文的 HTTP 接入层
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/logging"
	"github.com/wyfcoding/pkg/response"

	"github.com/wyfcoding/margintrading/internal/risk/application"
	"github.com/wyfcoding/margintrading/internal/risk/domain"
)

// RiskHandler 保证金查询与账户维护
type RiskHandler struct {
	query *application.MarginQueryService
}

// NewRiskHandler 构造函数。
func NewRiskHandler(query *application.MarginQueryService) *RiskHandler {
	return &RiskHandler{query: query}
}

// RegisterRoutes 注册路由
func (h *RiskHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/risk")
	{
		api.GET("/margin/:account_id", h.GetMargin)
		api.PUT("/accounts/:account_id", h.UpsertAccount)
	}
}

// GetMargin 实时核算账户保证金水平
func (h *RiskHandler) GetMargin(c *gin.Context) {
	snapshot, err := h.query.GetMarginSnapshot(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		logging.Error(c.Request.Context(), "failed to compute margin snapshot", "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, snapshot)
}

// UpsertAccountRequest 账户维护请求
type UpsertAccountRequest struct {
	Currency string `json:"currency" binding:"required"`
	Balance  string `json:"balance" binding:"required"`
	Leverage string `json:"leverage" binding:"required"`
}

// UpsertAccount 创建或更新杠杆账户
func (h *RiskHandler) UpsertAccount(c *gin.Context) {
	var req UpsertAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	balance, err := decimal.NewFromString(req.Balance)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid balance", "")
		return
	}
	leverage, err := decimal.NewFromString(req.Leverage)
	if err != nil || !leverage.IsPositive() {
		response.ErrorWithStatus(c, http.StatusBadRequest, "leverage must be a positive decimal", "")
		return
	}

	account := &domain.MarginAccount{
		ID:       c.Param("account_id"),
		Currency: req.Currency,
		Balance:  balance,
		Leverage: leverage,
	}
	if err := h.query.UpsertAccount(c.Request.Context(), account); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, account)
}
