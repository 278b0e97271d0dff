package domain

import (
	"github.com/shopspring/decimal"
)

// PnlDirection 持仓方向
type PnlDirection string

const (
	DirectionLong  PnlDirection = "LONG"
	DirectionShort PnlDirection = "SHORT"
)

// UnrealizedPnl 计算未实现盈亏。
// 多头 = (现价 - 开仓价) * 数量 * 汇率，空头取其相反数。
// 四个输入必须全部严格为正，违反即 PreconditionError。
func UnrealizedPnl(direction PnlDirection, entryPrice, currentPrice, volume, fxRate decimal.Decimal) (decimal.Decimal, error) {
	for _, in := range []struct {
		field string
		value decimal.Decimal
	}{
		{"entryPrice", entryPrice},
		{"currentPrice", currentPrice},
		{"volume", volume},
		{"fxRate", fxRate},
	} {
		if !in.value.IsPositive() {
			return decimal.Zero, &PreconditionError{Field: in.field, Value: in.value}
		}
	}

	pnl := currentPrice.Sub(entryPrice).Mul(volume).Mul(fxRate)
	if direction == DirectionShort {
		pnl = pnl.Neg()
	}
	return pnl, nil
}

// PositionPnl 按持仓方向计算未实现盈亏，数量取持仓量绝对值
func PositionPnl(p *Position, currentPrice decimal.Decimal) (decimal.Decimal, error) {
	return UnrealizedPnl(p.Direction(), p.EntryPrice, currentPrice, p.Volume.Abs(), p.FxRate)
}
