// Package domain 持仓台账的领域模型
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus 持仓状态
type PositionStatus string

const (
	PositionStatusActive  PositionStatus = "ACTIVE"
	PositionStatusClosing PositionStatus = "CLOSING"
	PositionStatusClosed  PositionStatus = "CLOSED"
)

// CloseReason 平仓原因
type CloseReason string

const (
	CloseReasonNone               CloseReason = ""
	CloseReasonClientRequest      CloseReason = "CLIENT_REQUEST"
	CloseReasonLiquidation        CloseReason = "LIQUIDATION"
	CloseReasonSpecialLiquidation CloseReason = "SPECIAL_LIQUIDATION"
	CloseReasonStopOut            CloseReason = "STOP_OUT"
)

// Position 持仓聚合。Volume 带方向符号（多头为正、空头为负），
// 只允许台账服务在持有其锁时修改。
type Position struct {
	ID          string          `gorm:"column:id;type:varchar(64);primarykey"`
	AccountID   string          `gorm:"column:account_id;type:varchar(64);index:idx_account_pair"`
	AssetPairID string          `gorm:"column:asset_pair_id;type:varchar(32);index:idx_account_pair"`
	Volume      decimal.Decimal `gorm:"column:volume;type:decimal(28,10)"`
	EntryPrice  decimal.Decimal `gorm:"column:entry_price;type:decimal(28,10)"`
	FxRate      decimal.Decimal `gorm:"column:fx_rate;type:decimal(28,10)"`
	Status      PositionStatus  `gorm:"column:status;type:varchar(16);index"`
	CloseReason CloseReason     `gorm:"column:close_reason;type:varchar(32)"`
	ClosePrice  decimal.Decimal `gorm:"column:close_price;type:decimal(28,10)"`
	RealizedPnl decimal.Decimal `gorm:"column:realized_pnl;type:decimal(28,10)"`
	// SwapValue 累计隔夜利息
	SwapValue decimal.Decimal `gorm:"column:swap_value;type:decimal(28,10)"`
	// OpenOrderID 开仓订单，隔夜利息计算以此为键
	OpenOrderID string     `gorm:"column:open_order_id;type:varchar(64);uniqueIndex"`
	OpenedAt    time.Time  `gorm:"column:opened_at"`
	ClosedAt    *time.Time `gorm:"column:closed_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

// TableName 指定表名
func (Position) TableName() string {
	return "positions"
}

// NewPosition 开仓
func NewPosition(id, accountID, assetPairID, openOrderID string, volume, entryPrice, fxRate decimal.Decimal) (*Position, error) {
	if volume.IsZero() {
		return nil, fmt.Errorf("position volume must be non-zero")
	}
	if !entryPrice.IsPositive() || !fxRate.IsPositive() {
		return nil, fmt.Errorf("entry price and fx rate must be positive")
	}
	now := time.Now()
	return &Position{
		ID:          id,
		AccountID:   accountID,
		AssetPairID: assetPairID,
		Volume:      volume,
		EntryPrice:  entryPrice,
		FxRate:      fxRate,
		Status:      PositionStatusActive,
		OpenOrderID: openOrderID,
		OpenedAt:    now,
		UpdatedAt:   now,
	}, nil
}

// Direction 由持仓量符号派生
func (p *Position) Direction() PnlDirection {
	if p.Volume.IsNegative() {
		return DirectionShort
	}
	return DirectionLong
}

// IsOpen Active 或 Closing 都占用保证金
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusActive || p.Status == PositionStatusClosing
}

// FillResult ApplyFill 的净额结果
type FillResult struct {
	// ClosedVolume 被本笔成交抵销的持仓量（绝对值）
	ClosedVolume decimal.Decimal
	// RealizedPnl 抵销部分的已实现盈亏
	RealizedPnl decimal.Decimal
	// Flipped 持仓方向是否反转
	Flipped bool
	// FullyClosed 持仓是否完全平掉
	FullyClosed bool
}

// ApplyFill 将一笔成交净额计入持仓。同向成交加仓并按量加权更新
// 开仓均价；反向成交先抵销现有持仓并结转已实现盈亏，抵销过零则
// 以剩余量反手，新方向以成交价为开仓价。
func (p *Position) ApplyFill(fillVolume, fillPrice decimal.Decimal) (*FillResult, error) {
	if p.Status == PositionStatusClosed {
		return nil, ErrPositionClosed
	}
	if fillVolume.IsZero() {
		return nil, fmt.Errorf("fill volume must be non-zero")
	}
	if !fillPrice.IsPositive() {
		return nil, fmt.Errorf("fill price must be positive, got %s", fillPrice)
	}

	result := &FillResult{}
	sameSign := p.Volume.Sign() == fillVolume.Sign() || p.Volume.IsZero()

	if sameSign {
		// 加仓：量加权均价
		total := p.Volume.Abs().Add(fillVolume.Abs())
		cost := p.EntryPrice.Mul(p.Volume.Abs()).Add(fillPrice.Mul(fillVolume.Abs()))
		p.EntryPrice = cost.Div(total)
		p.Volume = p.Volume.Add(fillVolume)
		p.UpdatedAt = time.Now()
		return result, nil
	}

	closed := decimal.Min(p.Volume.Abs(), fillVolume.Abs())
	result.ClosedVolume = closed

	// 多头平仓赚价差，空头相反
	diff := fillPrice.Sub(p.EntryPrice)
	if p.Volume.IsNegative() {
		diff = diff.Neg()
	}
	result.RealizedPnl = diff.Mul(closed).Mul(p.FxRate)
	p.RealizedPnl = p.RealizedPnl.Add(result.RealizedPnl)

	p.Volume = p.Volume.Add(fillVolume)
	switch {
	case p.Volume.IsZero():
		result.FullyClosed = true
		p.markClosed(fillPrice, CloseReasonClientRequest)
	case p.Volume.Sign() == fillVolume.Sign():
		// 反手：剩余量构成新方向持仓
		result.Flipped = true
		p.EntryPrice = fillPrice
	}
	p.UpdatedAt = time.Now()
	return result, nil
}

// TryStartClosing 将持仓标记为平仓中。已被其他流程占用时返回
// ErrAlreadyClosing，调用方据此拒绝并发强平。
func (p *Position) TryStartClosing() error {
	switch p.Status {
	case PositionStatusActive:
		p.Status = PositionStatusClosing
		p.UpdatedAt = time.Now()
		return nil
	case PositionStatusClosing:
		return ErrAlreadyClosing
	default:
		return ErrPositionClosed
	}
}

// CancelClosing 撤销平仓中标记。所有失败路径都必须走到这里，
// 不允许持仓滞留在 Closing 状态。
func (p *Position) CancelClosing() error {
	if p.Status != PositionStatusClosing {
		return ErrNotClosing
	}
	p.Status = PositionStatusActive
	p.UpdatedAt = time.Now()
	return nil
}

// Close 以给定价格与原因终结持仓
func (p *Position) Close(closePrice decimal.Decimal, reason CloseReason) error {
	if p.Status == PositionStatusClosed {
		return ErrPositionClosed
	}
	p.markClosed(closePrice, reason)
	return nil
}

func (p *Position) markClosed(closePrice decimal.Decimal, reason CloseReason) {
	now := time.Now()
	p.Status = PositionStatusClosed
	p.CloseReason = reason
	p.ClosePrice = closePrice
	p.Volume = decimal.Zero
	p.ClosedAt = &now
	p.UpdatedAt = now
}

// ChargeSwap 计入一笔隔夜利息
func (p *Position) ChargeSwap(value decimal.Decimal) {
	p.SwapValue = p.SwapValue.Add(value)
	p.UpdatedAt = time.Now()
}
