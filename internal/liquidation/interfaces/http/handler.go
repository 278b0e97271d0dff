// Package http 强平运营 API 与 DTM 清算回调
package http

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/pkg/logging"
	"github.com/wyfcoding/pkg/response"
	"gorm.io/gorm"

	"github.com/wyfcoding/margintrading/internal/liquidation/application"
	"github.com/wyfcoding/margintrading/internal/liquidation/domain"
)

// LiquidationHandler 强平流程的 HTTP 接入层。启动走同步路径便于
// 立即拒绝重复强平，特殊强平的运营动作通过命令总线异步下发。
type LiquidationHandler struct {
	saga     *application.LiquidationSaga
	commands application.CommandBus
	db       *gorm.DB
}

// NewLiquidationHandler 构造函数。
func NewLiquidationHandler(saga *application.LiquidationSaga, commands application.CommandBus, db *gorm.DB) *LiquidationHandler {
	return &LiquidationHandler{saga: saga, commands: commands, db: db}
}

// RegisterRoutes 注册路由
func (h *LiquidationHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/liquidations")
	{
		api.POST("", h.StartLiquidation)
		api.GET("/:id", h.GetOperation)
		api.POST("/:id/special/pause", h.PauseSpecial)
		api.POST("/:id/special/resume", h.ResumeSpecial)
		api.POST("/:id/special/cancel", h.CancelSpecial)
		api.POST("/:id/special/price", h.SubmitSpecialPrice)
	}

	settlement := router.Group("/api/v1/settlement")
	{
		settlement.POST("/charge", h.SettlementCharge)
		settlement.POST("/charge-compensate", h.SettlementChargeCompensate)
		settlement.POST("/archive", h.SettlementArchive)
		settlement.POST("/archive-compensate", h.SettlementArchiveCompensate)
	}
}

// StartLiquidationRequest 启动强平请求
type StartLiquidationRequest struct {
	OperationID string   `json:"operation_id"`
	AccountID   string   `json:"account_id" binding:"required"`
	AssetPairID string   `json:"asset_pair_id" binding:"required"`
	Direction   string   `json:"direction"`
	PositionIDs []string `json:"position_ids"`
	Type        string   `json:"type"`
	Originator  string   `json:"originator"`
}

// StartLiquidation 运营发起强平。同账户+品种范围已有在途强平时
// 返回 409。
func (h *LiquidationHandler) StartLiquidation(c *gin.Context) {
	var req StartLiquidationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}

	operationID := req.OperationID
	if operationID == "" {
		operationID = fmt.Sprintf("LIQ-%d", idgen.GenID())
	}
	liquidationType := domain.LiquidationType(req.Type)
	if liquidationType == "" {
		liquidationType = domain.LiquidationTypeNormal
	}

	cmd := &domain.StartLiquidationCommand{
		OperationID: operationID,
		AccountID:   req.AccountID,
		AssetPairID: req.AssetPairID,
		Direction:   req.Direction,
		PositionIDs: req.PositionIDs,
		Type:        liquidationType,
		Originator:  req.Originator,
	}
	if err := h.saga.StartLiquidation(c.Request.Context(), cmd); err != nil {
		h.writeError(c, err, "failed to start liquidation")
		return
	}

	response.Success(c, gin.H{"operation_id": operationID})
}

// GetOperation 查询 saga 记录
func (h *LiquidationHandler) GetOperation(c *gin.Context) {
	record, err := h.saga.GetOperation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to get liquidation operation")
		return
	}
	response.Success(c, record)
}

// PauseSpecial 暂停特殊强平，等待人工价格审批
func (h *LiquidationHandler) PauseSpecial(c *gin.Context) {
	if err := h.saga.PauseSpecialLiquidation(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err, "failed to pause special liquidation")
		return
	}
	response.Success(c, gin.H{"status": "paused"})
}

// ResumeSpecial 恢复被暂停的特殊强平
func (h *LiquidationHandler) ResumeSpecial(c *gin.Context) {
	operationID := c.Param("id")
	err := h.commands.Send(c.Request.Context(), domain.TopicResumePausedSpecialLiquidation, operationID,
		&domain.ResumePausedSpecialLiquidationCommand{OperationID: operationID})
	if err != nil {
		logging.Error(c.Request.Context(), "failed to send resume command", "operation_id", operationID, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"status": "resume_requested"})
}

// CancelSpecialRequest 取消请求
type CancelSpecialRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelSpecial 取消特殊强平并使父流程失败
func (h *LiquidationHandler) CancelSpecial(c *gin.Context) {
	var req CancelSpecialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}

	operationID := c.Param("id")
	err := h.commands.Send(c.Request.Context(), domain.TopicCancelSpecialLiquidation, operationID,
		&domain.CancelSpecialLiquidationCommand{OperationID: operationID, Reason: req.Reason})
	if err != nil {
		logging.Error(c.Request.Context(), "failed to send cancel command", "operation_id", operationID, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"status": "cancel_requested"})
}

// SubmitSpecialPriceRequest 提供方或运营回报的成交价
type SubmitSpecialPriceRequest struct {
	Price      string `json:"price" binding:"required"`
	ProviderID string `json:"provider_id"`
}

// SubmitSpecialPrice 提交特殊强平价格，触发成交
func (h *LiquidationHandler) SubmitSpecialPrice(c *gin.Context) {
	var req SubmitSpecialPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		response.ErrorWithStatus(c, http.StatusBadRequest, "price must be a positive decimal", "")
		return
	}

	operationID := c.Param("id")
	err = h.commands.Send(c.Request.Context(), domain.TopicExecuteSpecialLiquidationOrder, operationID,
		&domain.ExecuteSpecialLiquidationOrderCommand{OperationID: operationID, Price: price, ProviderID: req.ProviderID})
	if err != nil {
		logging.Error(c.Request.Context(), "failed to send execute command", "operation_id", operationID, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"status": "execution_requested"})
}

func (h *LiquidationHandler) writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrAlreadyInProgress):
		response.ErrorWithStatus(c, http.StatusConflict, "liquidation already in progress", "")
	case errors.Is(err, domain.ErrNotPaused), errors.Is(err, domain.ErrInvalidOperationState):
		response.ErrorWithStatus(c, http.StatusConflict, "operation state does not allow this action", err.Error())
	case errors.Is(err, domain.ErrOperationNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, "liquidation operation not found", "")
	default:
		logging.Error(c.Request.Context(), msg, "error", err)
		response.Error(c, err)
	}
}

// ----- DTM saga 回调 -----
// 回调在 barrier 事务内执行，dtm 负责空补偿、悬挂与重复请求的拦截。

// SettlementCharge 清算扣款分支
func (h *LiquidationHandler) SettlementCharge(c *gin.Context) {
	h.withBarrier(c, func(tx *sql.Tx, req *application.SettlementRequest) error {
		_, err := tx.Exec(
			"INSERT INTO settlement_entries (operation_id, account_id, asset_pair_id, volume, price, amount, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, NOW(), NOW())",
			req.OperationID, req.AccountID, req.AssetPairID, req.Volume, req.Price, req.Amount, domain.SettlementEntryCharged)
		return err
	})
}

// SettlementChargeCompensate 扣款补偿分支
func (h *LiquidationHandler) SettlementChargeCompensate(c *gin.Context) {
	h.withBarrier(c, func(tx *sql.Tx, req *application.SettlementRequest) error {
		_, err := tx.Exec(
			"UPDATE settlement_entries SET status = ?, updated_at = NOW() WHERE operation_id = ?",
			domain.SettlementEntryReversed, req.OperationID)
		return err
	})
}

// SettlementArchive 持仓归档分支
func (h *LiquidationHandler) SettlementArchive(c *gin.Context) {
	h.withBarrier(c, func(tx *sql.Tx, req *application.SettlementRequest) error {
		_, err := tx.Exec(
			"UPDATE settlement_entries SET status = ?, updated_at = NOW() WHERE operation_id = ? AND status = ?",
			domain.SettlementEntryArchived, req.OperationID, domain.SettlementEntryCharged)
		return err
	})
}

// SettlementArchiveCompensate 归档补偿分支
func (h *LiquidationHandler) SettlementArchiveCompensate(c *gin.Context) {
	h.withBarrier(c, func(tx *sql.Tx, req *application.SettlementRequest) error {
		_, err := tx.Exec(
			"UPDATE settlement_entries SET status = ?, updated_at = NOW() WHERE operation_id = ? AND status = ?",
			domain.SettlementEntryCharged, req.OperationID, domain.SettlementEntryArchived)
		return err
	})
}

func (h *LiquidationHandler) withBarrier(c *gin.Context, fn func(tx *sql.Tx, req *application.SettlementRequest) error) {
	var req application.SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dtmcli.MapFailure)
		return
	}

	barrier, err := dtmcli.BarrierFromQuery(c.Request.URL.Query())
	if err != nil {
		logging.Error(c.Request.Context(), "failed to build dtm barrier", "error", err)
		c.JSON(http.StatusBadRequest, dtmcli.MapFailure)
		return
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusInternalServerError, dtmcli.MapFailure)
		return
	}

	err = barrier.CallWithDB(sqlDB, func(tx *sql.Tx) error {
		return fn(tx, &req)
	})
	if err != nil {
		logging.Error(c.Request.Context(), "settlement branch failed",
			"operation_id", req.OperationID, "op", barrier.Op, "error", err)
		c.JSON(http.StatusConflict, dtmcli.MapFailure)
		return
	}
	c.JSON(http.StatusOK, dtmcli.MapSuccess)
}
