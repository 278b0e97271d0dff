// Package http 持仓上下文的 HTTP 接入层
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/logging"
	"github.com/wyfcoding/pkg/response"

	"github.com/wyfcoding/margintrading/internal/position/application"
	"github.com/wyfcoding/margintrading/internal/position/domain"
)

// PositionHandler 负责处理持仓相关 HTTP 请求
type PositionHandler struct {
	ledger *application.LedgerService
}

// NewPositionHandler 构造函数。
func NewPositionHandler(ledger *application.LedgerService) *PositionHandler {
	return &PositionHandler{ledger: ledger}
}

// RegisterRoutes 注册路由
func (h *PositionHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/positions")
	{
		api.GET("", h.ListOpenPositions)
		api.GET("/:id/pnl", h.GetPnl)
		api.POST("/:id/close", h.ClosePosition)
	}
}

// ListOpenPositions 查询账户未终结持仓
func (h *PositionHandler) ListOpenPositions(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "account_id is required", "")
		return
	}

	var (
		positions []*domain.Position
		err       error
	)
	if pair := c.Query("asset_pair"); pair != "" {
		positions, err = h.ledger.GetOpenPositionsByPair(c.Request.Context(), accountID, pair)
	} else {
		positions, err = h.ledger.GetOpenPositions(c.Request.Context(), accountID)
	}
	if err != nil {
		logging.Error(c.Request.Context(), "failed to list positions", "error", err)
		response.Error(c, err)
		return
	}

	response.Success(c, positions)
}

// GetPnl 查询持仓未实现盈亏
func (h *PositionHandler) GetPnl(c *gin.Context) {
	currentPrice, err := decimal.NewFromString(c.Query("current_price"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid current_price parameter", "")
		return
	}

	pnl, err := h.ledger.ComputePnl(c.Request.Context(), c.Param("id"), currentPrice)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPositionNotFound):
			response.ErrorWithStatus(c, http.StatusNotFound, "position not found", "")
		case domain.IsPrecondition(err):
			response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		default:
			logging.Error(c.Request.Context(), "failed to compute pnl", "error", err)
			response.Error(c, err)
		}
		return
	}

	response.Success(c, gin.H{"position_id": c.Param("id"), "pnl": pnl.String()})
}

type closeRequest struct {
	ClosePrice string `json:"close_price" binding:"required"`
	Reason     string `json:"reason"`
}

// ClosePosition 运营人员手工平仓
func (h *PositionHandler) ClosePosition(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	closePrice, err := decimal.NewFromString(req.ClosePrice)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid close_price", "")
		return
	}
	reason := domain.CloseReason(req.Reason)
	if reason == domain.CloseReasonNone {
		reason = domain.CloseReasonClientRequest
	}

	if err := h.ledger.ClosePosition(c.Request.Context(), c.Param("id"), closePrice, reason); err != nil {
		switch {
		case errors.Is(err, domain.ErrPositionNotFound):
			response.ErrorWithStatus(c, http.StatusNotFound, "position not found", "")
		case errors.Is(err, domain.ErrPositionClosed):
			response.ErrorWithStatus(c, http.StatusConflict, "position already closed", "")
		default:
			logging.Error(c.Request.Context(), "failed to close position", "error", err)
			response.Error(c, err)
		}
		return
	}

	response.Success(c, gin.H{"status": "closed"})
}
