package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 持仓上下文发布的事件类型
const (
	EventTypePositionOpened  = "position.opened"
	EventTypePositionUpdated = "position.updated"
	EventTypePositionClosed  = "position.closed"
	EventTypeSwapCharged     = "position.swap_charged"
)

// PositionOpenedEvent 开仓事件
type PositionOpenedEvent struct {
	PositionID  string          `json:"position_id"`
	AccountID   string          `json:"account_id"`
	AssetPairID string          `json:"asset_pair_id"`
	Volume      decimal.Decimal `json:"volume"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	OpenOrderID string          `json:"open_order_id"`
	OpenedAt    time.Time       `json:"opened_at"`
}

// PositionUpdatedEvent 持仓量或均价变化事件
type PositionUpdatedEvent struct {
	PositionID  string          `json:"position_id"`
	Volume      decimal.Decimal `json:"volume"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	Flipped     bool            `json:"flipped"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PositionClosedEvent 平仓事件
type PositionClosedEvent struct {
	PositionID  string          `json:"position_id"`
	AccountID   string          `json:"account_id"`
	AssetPairID string          `json:"asset_pair_id"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	CloseReason CloseReason     `json:"close_reason"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// SwapChargedEvent 隔夜利息计入事件
type SwapChargedEvent struct {
	PositionID  string          `json:"position_id"`
	OpenOrderID string          `json:"open_order_id"`
	Value       decimal.Decimal `json:"value"`
	Accumulated decimal.Decimal `json:"accumulated"`
	AsOf        time.Time       `json:"as_of"`
}
