// Package domain 保证金账户与风险水平的领域模型
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	posdomain "github.com/wyfcoding/margintrading/internal/position/domain"
)

// MarginAccount 杠杆账户。余额与杠杆由出入金与运营流程维护，
// 本上下文只读取。
type MarginAccount struct {
	ID        string          `gorm:"column:id;type:varchar(64);primarykey" json:"id"`
	Currency  string          `gorm:"column:currency;type:varchar(16)" json:"currency"`
	Balance   decimal.Decimal `gorm:"column:balance;type:decimal(28,10)" json:"balance"`
	Leverage  decimal.Decimal `gorm:"column:leverage;type:decimal(10,2)" json:"leverage"`
	CreatedAt time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (MarginAccount) TableName() string {
	return "margin_accounts"
}

// PositionExposure 计算保证金所需的持仓快照与其现价
type PositionExposure struct {
	Position     *posdomain.Position
	CurrentPrice decimal.Decimal
}

// MarginSnapshot 一次保证金核算的结果。只读快照，不回写任何聚合。
type MarginSnapshot struct {
	AccountID  string          `json:"account_id"`
	Balance    decimal.Decimal `json:"balance"`
	UsedMargin decimal.Decimal `json:"used_margin"`
	FreeMargin decimal.Decimal `json:"free_margin"`
	TotalPnl   decimal.Decimal `json:"total_pnl"`
	Equity     decimal.Decimal `json:"equity"`
	// Level = UsedMargin / Equity；无持仓时为零
	Level      decimal.Decimal `json:"level"`
	Positions  int             `json:"positions"`
	ComputedAt time.Time       `json:"computed_at"`
}

// ComputeMarginSnapshot 汇总账户的保证金水平。占用保证金为
// Σ |volume|·entryPrice·fxRate / leverage；权益为余额加浮动盈亏。
// 权益小于等于零且仍有持仓时水平取 1，即刻触发 stop-out。
func ComputeMarginSnapshot(account *MarginAccount, exposures []PositionExposure) (*MarginSnapshot, error) {
	if account == nil {
		return nil, fmt.Errorf("margin account is required")
	}
	if !account.Leverage.IsPositive() {
		return nil, fmt.Errorf("account %s leverage must be positive, got %s", account.ID, account.Leverage)
	}

	snapshot := &MarginSnapshot{
		AccountID:  account.ID,
		Balance:    account.Balance,
		UsedMargin: decimal.Zero,
		TotalPnl:   decimal.Zero,
		ComputedAt: time.Now(),
	}

	for _, exp := range exposures {
		p := exp.Position
		if p == nil || !p.IsOpen() {
			continue
		}
		snapshot.Positions++
		notional := p.Volume.Abs().Mul(p.EntryPrice).Mul(p.FxRate)
		snapshot.UsedMargin = snapshot.UsedMargin.Add(notional.Div(account.Leverage))

		if exp.CurrentPrice.IsPositive() {
			pnl, err := posdomain.PositionPnl(p, exp.CurrentPrice)
			if err != nil {
				return nil, fmt.Errorf("pnl for position %s: %w", p.ID, err)
			}
			snapshot.TotalPnl = snapshot.TotalPnl.Add(pnl)
		}
	}

	snapshot.Equity = snapshot.Balance.Add(snapshot.TotalPnl)
	snapshot.FreeMargin = snapshot.Equity.Sub(snapshot.UsedMargin)

	if snapshot.UsedMargin.IsZero() {
		return snapshot, nil
	}
	if !snapshot.Equity.IsPositive() {
		snapshot.Level = decimal.NewFromInt(1)
		return snapshot, nil
	}
	snapshot.Level = snapshot.UsedMargin.Div(snapshot.Equity)
	return snapshot, nil
}

// RiskSignal 阈值穿越信号
type RiskSignal string

const (
	RiskSignalNone       RiskSignal = "NONE"
	RiskSignalMarginCall RiskSignal = "MARGIN_CALL"
	RiskSignalStopOut    RiskSignal = "STOP_OUT"
)

// Classify 按配置阈值给保证金水平定级
func (s *MarginSnapshot) Classify(marginCallLevel, stopOutLevel decimal.Decimal) RiskSignal {
	if s.UsedMargin.IsZero() {
		return RiskSignalNone
	}
	switch {
	case s.Level.GreaterThanOrEqual(stopOutLevel):
		return RiskSignalStopOut
	case s.Level.GreaterThanOrEqual(marginCallLevel):
		return RiskSignalMarginCall
	}
	return RiskSignalNone
}
