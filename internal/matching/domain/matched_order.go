package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchedOrder 单笔成交记录
type MatchedOrder struct {
	// 对手方订单 ID（STP 模式下为外部成交回执 ID）
	CounterpartyOrderID string
	// 做市商 ID
	MarketMakerID string
	// 成交数量（带方向符号）
	Volume decimal.Decimal
	// 成交价
	Price decimal.Decimal
	// 被动方剩余未成交数量
	LimitOrderLeftToMatch decimal.Decimal
	// 成交时间
	MatchedAt time.Time
	// 是否来自外部流动性
	IsExternal bool
}

// MatchedOrderCollection 一次撮合的成交集合。只允许追加，
// 已追加的成交不可修改；汇总量与加权均价按需派生。
type MatchedOrderCollection struct {
	items []MatchedOrder
}

// NewMatchedOrderCollection 创建空成交集合
func NewMatchedOrderCollection() *MatchedOrderCollection {
	return &MatchedOrderCollection{}
}

// Add 追加一笔成交
func (c *MatchedOrderCollection) Add(mo MatchedOrder) {
	c.items = append(c.items, mo)
}

// Items 返回成交列表副本
func (c *MatchedOrderCollection) Items() []MatchedOrder {
	out := make([]MatchedOrder, len(c.items))
	copy(out, c.items)
	return out
}

// Len 成交笔数
func (c *MatchedOrderCollection) Len() int {
	return len(c.items)
}

// IsEmpty 集合为空即 NoLiquidity，属正常撮合结果而非错误
func (c *MatchedOrderCollection) IsEmpty() bool {
	return len(c.items) == 0
}

// SummaryVolume 成交数量绝对值之和
func (c *MatchedOrderCollection) SummaryVolume() decimal.Decimal {
	sum := decimal.Zero
	for _, mo := range c.items {
		sum = sum.Add(mo.Volume.Abs())
	}
	return sum
}

// WeightedAveragePrice 成交量加权均价；集合为空时为零
func (c *MatchedOrderCollection) WeightedAveragePrice() decimal.Decimal {
	summary := c.SummaryVolume()
	if summary.IsZero() {
		return decimal.Zero
	}
	weighted := decimal.Zero
	for _, mo := range c.items {
		weighted = weighted.Add(mo.Price.Mul(mo.Volume.Abs()))
	}
	return weighted.Div(summary)
}
