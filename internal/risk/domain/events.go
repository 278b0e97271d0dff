package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 风险事件类型
const (
	EventTypeMarginCall       = "risk.margin_call"
	EventTypeStopOutTriggered = "risk.stop_out_triggered"
)

// MarginCallEvent 追加保证金通知
type MarginCallEvent struct {
	AccountID  string          `json:"account_id"`
	Level      decimal.Decimal `json:"level"`
	UsedMargin decimal.Decimal `json:"used_margin"`
	FreeMargin decimal.Decimal `json:"free_margin"`
	Equity     decimal.Decimal `json:"equity"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// StopOutTriggeredEvent 强平触发信号
type StopOutTriggeredEvent struct {
	AccountID    string          `json:"account_id"`
	AssetPairIDs []string        `json:"asset_pair_ids"`
	Level        decimal.Decimal `json:"level"`
	Equity       decimal.Decimal `json:"equity"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
