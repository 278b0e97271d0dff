// Package domain 撮合与订单簿的领域模型
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction 订单方向
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Sign 买方向为 +1，卖方向为 -1
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite 反方向
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus 订单状态，Executed/Rejected/Cancelled 之后订单不可再变更
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusExecuting OrderStatus = "EXECUTING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// MatchingModality 撮合模式：内部订单簿做市或外部直通 (STP)
type MatchingModality string

const (
	ModalityMarketMaker MatchingModality = "MARKET_MAKER"
	ModalitySTP         MatchingModality = "STP"
)

// Order 撮合订单。Volume 带方向符号（买为正、卖为负）；
// 仅允许撮合引擎在执行成交时修改，进入终态后不可变。
type Order struct {
	ID               string
	AccountID        string
	AssetPairID      string
	Direction        Direction
	Volume           decimal.Decimal
	Price            decimal.Decimal
	Type             OrderType
	Status           OrderStatus
	ParentPositionID string
	MatchingEngineID string
	CreatedAt        time.Time
	ExecutedAt       *time.Time
}

// NewLimitOrder 创建限价单
func NewLimitOrder(id, accountID, assetPairID string, direction Direction, volume, price decimal.Decimal) (*Order, error) {
	return newOrder(id, accountID, assetPairID, direction, volume, price, OrderTypeLimit)
}

// NewMarketOrder 创建市价单
func NewMarketOrder(id, accountID, assetPairID string, direction Direction, volume decimal.Decimal) (*Order, error) {
	return newOrder(id, accountID, assetPairID, direction, volume, decimal.Zero, OrderTypeMarket)
}

func newOrder(id, accountID, assetPairID string, direction Direction, volume, price decimal.Decimal, typ OrderType) (*Order, error) {
	if id == "" || assetPairID == "" {
		return nil, fmt.Errorf("order id and asset pair are required")
	}
	if !volume.IsPositive() {
		return nil, fmt.Errorf("order volume must be positive, got %s", volume)
	}
	if typ == OrderTypeLimit && !price.IsPositive() {
		return nil, fmt.Errorf("limit order price must be positive, got %s", price)
	}
	return &Order{
		ID:          id,
		AccountID:   accountID,
		AssetPairID: assetPairID,
		Direction:   direction,
		Volume:      volume.Mul(direction.Sign()),
		Price:       price,
		Type:        typ,
		Status:      OrderStatusNew,
		CreatedAt:   time.Now(),
	}, nil
}

// AbsVolume 订单数量的绝对值
func (o *Order) AbsVolume() decimal.Decimal {
	return o.Volume.Abs()
}

// IsTerminal 是否已进入终态
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusExecuted, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}
