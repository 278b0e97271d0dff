package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Trade 成交流水的持久化实体，撮合结果落库后不再修改
type Trade struct {
	ID                  uint            `gorm:"primarykey"`
	TradeID             string          `gorm:"column:trade_id;type:varchar(64);uniqueIndex"`
	OrderID             string          `gorm:"column:order_id;type:varchar(64);index"`
	CounterpartyOrderID string          `gorm:"column:counterparty_order_id;type:varchar(64);index"`
	MarketMakerID       string          `gorm:"column:market_maker_id;type:varchar(64)"`
	AccountID           string          `gorm:"column:account_id;type:varchar(64);index"`
	AssetPairID         string          `gorm:"column:asset_pair_id;type:varchar(32);index"`
	Volume              decimal.Decimal `gorm:"column:volume;type:decimal(28,10)"`
	Price               decimal.Decimal `gorm:"column:price;type:decimal(28,10)"`
	IsExternal          bool            `gorm:"column:is_external"`
	MatchedAt           time.Time       `gorm:"column:matched_at;index"`
	CreatedAt           time.Time       `gorm:"column:created_at"`
}

// TableName 指定表名
func (Trade) TableName() string {
	return "trades"
}

// TradeRepository 成交流水仓储
type TradeRepository interface {
	SaveBatch(ctx context.Context, trades []*Trade) error
	FindByOrderID(ctx context.Context, orderID string) ([]*Trade, error)
	FindByAccountID(ctx context.Context, accountID string, limit int) ([]*Trade, error)
}

// OrderRepository 订单仓储
type OrderRepository interface {
	Save(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, orderID string) (*Order, error)
}

// BookSnapshot 订单簿快照，服务重启后恢复挂单状态
type BookSnapshot struct {
	ID          uint      `gorm:"primarykey"`
	AssetPairID string    `gorm:"column:asset_pair_id;type:varchar(32);index"`
	TakenAt     time.Time `gorm:"column:taken_at;index"`
	// Payload 为两侧挂单的 JSON 序列化
	Payload []byte `gorm:"column:payload;type:mediumblob"`
}

// TableName 指定表名
func (BookSnapshot) TableName() string {
	return "order_book_snapshots"
}

// SnapshotEntry 快照中的单笔挂单
type SnapshotEntry struct {
	OrderID               string          `json:"order_id"`
	MarketMakerID         string          `json:"market_maker_id"`
	Direction             Direction       `json:"direction"`
	LimitOrderLeftToMatch decimal.Decimal `json:"left_to_match"`
	Price                 decimal.Decimal `json:"price"`
	PlacedAt              time.Time       `json:"placed_at"`
}

// BookSnapshotRepository 订单簿快照仓储
type BookSnapshotRepository interface {
	Save(ctx context.Context, snapshot *BookSnapshot) error
	// FindLatest 返回品种最新一份快照，无快照时返回 (nil, nil)
	FindLatest(ctx context.Context, assetPairID string) (*BookSnapshot, error)
	// ListAssetPairs 列出有快照的全部品种，启动恢复用
	ListAssetPairs(ctx context.Context) ([]string, error)
	PruneBefore(ctx context.Context, assetPairID string, before time.Time) error
}

// SnapshotEntries 导出当前全部挂单，用于生成快照。只读遍历。
func (ob *OrderBook) SnapshotEntries() []SnapshotEntry {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var entries []SnapshotEntry
	collect := func(d Direction) {
		it := ob.sideFor(d).Iterator()
		for {
			_, level, ok := it.Next()
			if !ok {
				return
			}
			for el := level.Orders.Front(); el != nil; el = el.Next() {
				ro := el.Value.(*RestingOrder)
				entries = append(entries, SnapshotEntry{
					OrderID:               ro.OrderID,
					MarketMakerID:         ro.MarketMakerID,
					Direction:             d,
					LimitOrderLeftToMatch: ro.LimitOrderLeftToMatch,
					Price:                 ro.Price,
					PlacedAt:              ro.PlacedAt,
				})
			}
		}
	}
	collect(DirectionBuy)
	collect(DirectionSell)
	return entries
}
