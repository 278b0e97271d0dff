package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 撮合上下文发布的事件类型
const (
	EventTypeOrderExecuted   = "matching.order.executed"
	EventTypeOrderRejected   = "matching.order.rejected"
	EventTypeTradeGenerated  = "matching.trade.generated"
	EventTypeNoLiquidity     = "matching.no_liquidity"
	EventTypeBookDepthChange = "matching.book.depth_changed"
)

// OrderExecutedEvent 订单完全或部分成交后发布
type OrderExecutedEvent struct {
	OrderID              string          `json:"order_id"`
	AccountID            string          `json:"account_id"`
	AssetPairID          string          `json:"asset_pair_id"`
	Direction            Direction       `json:"direction"`
	RequestedVolume      decimal.Decimal `json:"requested_volume"`
	MatchedVolume        decimal.Decimal `json:"matched_volume"`
	WeightedAveragePrice decimal.Decimal `json:"weighted_average_price"`
	TradeCount           int             `json:"trade_count"`
	Modality             string          `json:"modality"`
	ExecutedAt           time.Time       `json:"executed_at"`
}

// NoLiquidityEvent 撮合产生空成交集合时发布
type NoLiquidityEvent struct {
	OrderID     string          `json:"order_id"`
	AssetPairID string          `json:"asset_pair_id"`
	Direction   Direction       `json:"direction"`
	Volume      decimal.Decimal `json:"volume"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
