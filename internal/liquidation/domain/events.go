package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 强平生命周期事件类型，发布到 TopicLiquidationEvents
const (
	EventTypeLiquidationStarted   = "liquidation.started"
	EventTypeLiquidationEscalated = "liquidation.escalated"
	EventTypeLiquidationFinished  = "liquidation.finished"
	EventTypeLiquidationFailed    = "liquidation.failed"
	EventTypeSpecialOrderExecuted = "liquidation.special.order_executed"
	EventTypeSpecialPriceReceived = "liquidation.special.price_received"
)

// LiquidationStartedEvent 强平启动
type LiquidationStartedEvent struct {
	OperationID string          `json:"operation_id"`
	AccountID   string          `json:"account_id"`
	AssetPairID string          `json:"asset_pair_id"`
	Type        LiquidationType `json:"type"`
	PositionIDs []string        `json:"position_ids"`
	StartedAt   time.Time       `json:"started_at"`
}

// LiquidationEscalatedEvent 升级到特殊强平
type LiquidationEscalatedEvent struct {
	OperationID        string   `json:"operation_id"`
	SpecialOperationID string   `json:"special_operation_id"`
	PositionIDs        []string `json:"position_ids"`
}

// LiquidationFinishedEvent 强平完成
type LiquidationFinishedEvent struct {
	OperationID           string     `json:"operation_id"`
	LiquidatedPositionIDs []string   `json:"liquidated_position_ids"`
	FinishedAt            *time.Time `json:"finished_at"`
}

// LiquidationFailedEvent 强平失败
type LiquidationFailedEvent struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

// SpecialOrderExecutedEvent 特殊强平成交
type SpecialOrderExecutedEvent struct {
	OperationID string          `json:"operation_id"`
	AssetPairID string          `json:"asset_pair_id"`
	Volume      decimal.Decimal `json:"volume"`
	Price       decimal.Decimal `json:"price"`
	ProviderID  string          `json:"provider_id"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
