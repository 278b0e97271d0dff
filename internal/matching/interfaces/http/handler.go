// Package http 撮合上下文的 HTTP 接入层
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/logging"
	"github.com/wyfcoding/pkg/response"

	"github.com/wyfcoding/margintrading/internal/matching/application"
	"github.com/wyfcoding/margintrading/internal/matching/domain"
)

// MatchingHandler 负责处理撮合相关 HTTP 请求
type MatchingHandler struct {
	manager *application.MatchingManager
	query   *application.MatchingQueryService
}

// NewMatchingHandler 构造函数。
func NewMatchingHandler(manager *application.MatchingManager, query *application.MatchingQueryService) *MatchingHandler {
	return &MatchingHandler{manager: manager, query: query}
}

// RegisterRoutes 注册路由
func (h *MatchingHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/matching")
	{
		api.POST("/orders", h.SubmitOrder)
		api.POST("/maker-orders", h.PlaceMakerOrder)
		api.GET("/depth/:asset_pair", h.GetDepth)
		api.GET("/close-price/:asset_pair", h.GetClosePrice)
		api.GET("/trades", h.GetTrades)
	}
}

// SubmitOrder 提交订单进行撮合
func (h *MatchingHandler) SubmitOrder(c *gin.Context) {
	var req application.SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}

	result, err := h.manager.SubmitOrder(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, domain.ErrEngineBusy) {
			response.ErrorWithStatus(c, http.StatusServiceUnavailable, "matching engine busy", "")
			return
		}
		logging.Error(c.Request.Context(), "failed to submit order", "error", err)
		response.Error(c, err)
		return
	}

	response.Success(c, result)
}

// PlaceMakerOrder 做市商挂单
func (h *MatchingHandler) PlaceMakerOrder(c *gin.Context) {
	var req application.PlaceMakerOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}

	if err := h.manager.PlaceMakerOrder(c.Request.Context(), &req); err != nil {
		if errors.Is(err, domain.ErrEngineBusy) {
			response.ErrorWithStatus(c, http.StatusServiceUnavailable, "matching engine busy", "")
			return
		}
		logging.Error(c.Request.Context(), "failed to place maker order", "error", err)
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"status": "placed"})
}

// GetDepth 查询订单簿深度
func (h *MatchingHandler) GetDepth(c *gin.Context) {
	depth, err := strconv.Atoi(c.DefaultQuery("depth", "20"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid depth parameter", "")
		return
	}

	dto, err := h.query.GetDepth(c.Request.Context(), c.Param("asset_pair"), depth)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to get depth", "error", err)
		response.Error(c, err)
		return
	}

	response.Success(c, dto)
}

// GetClosePrice 平仓询价
func (h *MatchingHandler) GetClosePrice(c *gin.Context) {
	volume, err := decimal.NewFromString(c.Query("volume"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid volume parameter", "")
		return
	}

	price, err := h.manager.GetPriceForClose(c.Request.Context(), c.Param("asset_pair"), volume, c.Query("provider"))
	if err != nil {
		if errors.Is(err, domain.ErrNoLiquidity) {
			response.ErrorWithStatus(c, http.StatusConflict, "no liquidity available", "")
			return
		}
		logging.Error(c.Request.Context(), "failed to get close price", "error", err)
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"price": price.String()})
}

// GetTrades 查询成交流水，支持按订单或账户过滤
func (h *MatchingHandler) GetTrades(c *gin.Context) {
	if orderID := c.Query("order_id"); orderID != "" {
		trades, err := h.query.GetTradesByOrder(c.Request.Context(), orderID)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, trades)
		return
	}

	accountID := c.Query("account_id")
	if accountID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "order_id or account_id is required", "")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := h.query.GetTradesByAccount(c.Request.Context(), accountID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, trades)
}
