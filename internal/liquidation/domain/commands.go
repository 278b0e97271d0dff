// Package domain 强平流程的领域模型与命令定义
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 命令主题。每个命令一个主题，以 OperationID 作为分区键，
// 同一操作的命令保持到达顺序。
const (
	TopicStartLiquidation                     = "liquidation.cmd.start"
	TopicLiquidatePositions                   = "liquidation.cmd.liquidate_positions"
	TopicResumeLiquidation                    = "liquidation.cmd.resume"
	TopicFailLiquidation                      = "liquidation.cmd.fail"
	TopicFinishLiquidation                    = "liquidation.cmd.finish"
	TopicStartSpecialLiquidation              = "liquidation.cmd.special.start"
	TopicGetPriceForSpecialLiquidation        = "liquidation.cmd.special.get_price"
	TopicGetPriceForSpecialLiquidationTimeout = "liquidation.cmd.special.get_price_timeout"
	TopicExecuteSpecialLiquidationOrder       = "liquidation.cmd.special.execute_order"
	TopicCancelSpecialLiquidation             = "liquidation.cmd.special.cancel"
	TopicResumePausedSpecialLiquidation       = "liquidation.cmd.special.resume_paused"
)

// 事件主题
const (
	TopicLiquidationEvents = "liquidation.events"
)

// LiquidationType 强平类型
type LiquidationType string

const (
	LiquidationTypeNormal LiquidationType = "NORMAL"
	// LiquidationTypeMCO margin-call-originated，保证金巡检触发
	LiquidationTypeMCO    LiquidationType = "MCO"
	LiquidationTypeForced LiquidationType = "FORCED"
)

// StartLiquidationCommand 启动强平。positions 为空时按账户+品种
// 从台账解析持仓集合。
type StartLiquidationCommand struct {
	OperationID string          `json:"operation_id"`
	AccountID   string          `json:"account_id"`
	AssetPairID string          `json:"asset_pair_id"`
	Direction   string          `json:"direction"`
	PositionIDs []string        `json:"position_ids"`
	Type        LiquidationType `json:"type"`
	Originator  string          `json:"originator"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LiquidatePositionsCommand 执行常规平仓
type LiquidatePositionsCommand struct {
	OperationID string   `json:"operation_id"`
	PositionIDs []string `json:"position_ids"`
}

// ResumeLiquidationCommand 特殊强平完成后回到主流程
type ResumeLiquidationCommand struct {
	OperationID string `json:"operation_id"`
}

// FailLiquidationCommand 终止并回收
type FailLiquidationCommand struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

// FinishLiquidationCommand 正常完成
type FinishLiquidationCommand struct {
	OperationID string `json:"operation_id"`
}

// StartSpecialLiquidationCommand 升级到特殊强平
type StartSpecialLiquidationCommand struct {
	OperationID string   `json:"operation_id"`
	AccountID   string   `json:"account_id"`
	AssetPairID string   `json:"asset_pair_id"`
	PositionIDs []string `json:"position_ids"`
	ProviderID  string   `json:"provider_id"`
}

// GetPriceForSpecialLiquidationCommand 向外部提供方询价
type GetPriceForSpecialLiquidationCommand struct {
	OperationID   string          `json:"operation_id"`
	AssetPairID   string          `json:"asset_pair_id"`
	Volume        decimal.Decimal `json:"volume"`
	RequestNumber int             `json:"request_number"`
}

// GetPriceForSpecialLiquidationTimeoutCommand 询价超时重触发
type GetPriceForSpecialLiquidationTimeoutCommand struct {
	OperationID   string `json:"operation_id"`
	RequestNumber int    `json:"request_number"`
}

// ExecuteSpecialLiquidationOrderCommand 价格到位，执行成交
type ExecuteSpecialLiquidationOrderCommand struct {
	OperationID string          `json:"operation_id"`
	Price       decimal.Decimal `json:"price"`
	ProviderID  string          `json:"provider_id"`
}

// CancelSpecialLiquidationCommand 运营人员取消
type CancelSpecialLiquidationCommand struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

// ResumePausedSpecialLiquidationCommand 恢复被暂停的特殊强平
type ResumePausedSpecialLiquidationCommand struct {
	OperationID string `json:"operation_id"`
}
