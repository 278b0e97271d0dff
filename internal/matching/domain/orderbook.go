package domain

import (
	"container/list"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	algorithm "github.com/wyfcoding/pkg/algos/structures"
)

// RestingOrder 订单簿中挂单的剩余部分
type RestingOrder struct {
	OrderID string
	// 提供该流动性的做市商
	MarketMakerID string
	// 剩余可成交数量，撮合过程中原地递减
	LimitOrderLeftToMatch decimal.Decimal
	Price                 decimal.Decimal
	PlacedAt              time.Time
}

// PriceLevel 同一价格档位下的挂单队列，时间优先 (FIFO)
type PriceLevel struct {
	Price  decimal.Decimal
	Orders *list.List // 存储 *RestingOrder
}

// NewPriceLevel 创建价格档位
func NewPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price, Orders: list.New()}
}

// Volume 档位上的挂单总量
func (l *PriceLevel) Volume() decimal.Decimal {
	total := decimal.Zero
	for el := l.Orders.Front(); el != nil; el = el.Next() {
		total = total.Add(el.Value.(*RestingOrder).LimitOrderLeftToMatch)
	}
	return total
}

// OrderBook 单一交易品种的内存订单簿。
// 写操作（撮合、挂单）必须先通过 PingLock 取得独占访问；
// 读探测（最优价、深度、平仓询价）在读锁下进行。
type OrderBook struct {
	AssetPairID string

	mu sync.RWMutex

	// bids 买盘：Key 为 -Price（迭代时降序）
	bids *algorithm.SkipList[float64, *PriceLevel]
	// asks 卖盘：Key 为 Price（迭代时升序）
	asks *algorithm.SkipList[float64, *PriceLevel]

	lastUpdated time.Time
}

// NewOrderBook 创建空订单簿
func NewOrderBook(assetPairID string) *OrderBook {
	return &OrderBook{
		AssetPairID: assetPairID,
		bids:        algorithm.NewSkipList[float64, *PriceLevel](),
		asks:        algorithm.NewSkipList[float64, *PriceLevel](),
	}
}

// PingLock 尝试取得订单簿的独占访问权。撮合进行中返回 false，
// 调用方应退避重试而不是阻塞等待。
func (ob *OrderBook) PingLock() bool {
	return ob.mu.TryLock()
}

// Unlock 释放 PingLock 取得的独占访问权
func (ob *OrderBook) Unlock() {
	ob.mu.Unlock()
}

// LastUpdated 最近一次变更时间
func (ob *OrderBook) LastUpdated() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdated
}

func (ob *OrderBook) sideFor(d Direction) *algorithm.SkipList[float64, *PriceLevel] {
	if d == DirectionBuy {
		return ob.bids
	}
	return ob.asks
}

func levelKey(d Direction, price decimal.Decimal) float64 {
	if d == DirectionBuy {
		return -price.InexactFloat64()
	}
	return price.InexactFloat64()
}

// placeResting 将限价单剩余部分挂入订单簿。调用方必须已持有 PingLock。
func (ob *OrderBook) placeResting(d Direction, ro *RestingOrder) {
	book := ob.sideFor(d)
	key := levelKey(d, ro.Price)
	level, ok := book.Search(key)
	if !ok {
		level = NewPriceLevel(ro.Price)
		book.Insert(key, level)
	}
	level.Orders.PushBack(ro)
	ob.lastUpdated = time.Now()
}

// crosses 限价约束：吃单价是否可与档位价成交。市价单 limit 传零值。
func crosses(d Direction, limit, levelPrice decimal.Decimal) bool {
	if limit.IsZero() {
		return true
	}
	if d == DirectionBuy {
		return limit.GreaterThanOrEqual(levelPrice)
	}
	return limit.LessThanOrEqual(levelPrice)
}

// match 以 d 方向吃掉对手盘，价格优先、同价 FIFO，直到吃满 volume
// 或流动性耗尽。每一步消耗产生一笔 MatchedOrder，被动方剩余量原地
// 递减。调用方必须已持有 PingLock。返回的集合为空即 NoLiquidity。
func (ob *OrderBook) match(d Direction, volume, limit decimal.Decimal) *MatchedOrderCollection {
	result := NewMatchedOrderCollection()
	remaining := volume
	opposite := ob.sideFor(d.Opposite())

	var exhaustedKeys []float64
	it := opposite.Iterator()
	for {
		key, level, ok := it.Next()
		if !ok {
			break
		}
		if !crosses(d, limit, level.Price) {
			break
		}

		var next *list.Element
		for el := level.Orders.Front(); el != nil; el = next {
			next = el.Next()
			resting := el.Value.(*RestingOrder)

			matched := decimal.Min(remaining, resting.LimitOrderLeftToMatch)
			resting.LimitOrderLeftToMatch = resting.LimitOrderLeftToMatch.Sub(matched)
			remaining = remaining.Sub(matched)

			result.Add(MatchedOrder{
				CounterpartyOrderID:   resting.OrderID,
				MarketMakerID:         resting.MarketMakerID,
				Volume:                matched.Mul(d.Sign()),
				Price:                 level.Price,
				LimitOrderLeftToMatch: resting.LimitOrderLeftToMatch,
				MatchedAt:             time.Now(),
			})

			if resting.LimitOrderLeftToMatch.IsZero() {
				level.Orders.Remove(el)
			}
			if remaining.IsZero() {
				break
			}
		}

		if level.Orders.Len() == 0 {
			exhaustedKeys = append(exhaustedKeys, key)
		}
		if remaining.IsZero() {
			break
		}
	}

	for _, key := range exhaustedKeys {
		opposite.Delete(key)
	}
	if !result.IsEmpty() {
		ob.lastUpdated = time.Now()
	}
	return result
}

// ProbeClosePrice 只读询价：若对手盘流动性足以吃下 volume，返回
// 加权均价与 true；否则返回可成交量对应均价与 false。不修改订单簿。
func (ob *OrderBook) ProbeClosePrice(d Direction, volume decimal.Decimal) (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	remaining := volume
	weighted := decimal.Zero
	filled := decimal.Zero

	it := ob.sideFor(d.Opposite()).Iterator()
	for {
		_, level, ok := it.Next()
		if !ok {
			break
		}
		available := level.Volume()
		take := decimal.Min(remaining, available)
		weighted = weighted.Add(level.Price.Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			break
		}
	}

	if filled.IsZero() {
		return decimal.Zero, false
	}
	return weighted.Div(filled), remaining.IsZero()
}

// BestPrice 指定盘口的最优价；盘口为空时 ok 为 false
func (ob *OrderBook) BestPrice(d Direction) (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	it := ob.sideFor(d).Iterator()
	_, level, ok := it.Next()
	if !ok {
		return decimal.Zero, false
	}
	return level.Price, true
}

// DepthLevel 订单簿档位快照
type DepthLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Depth 返回买卖两侧前 depth 档的快照
func (ob *OrderBook) Depth(depth int) (bids, asks []DepthLevel) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return collectLevels(ob.bids, depth), collectLevels(ob.asks, depth)
}

func collectLevels(book *algorithm.SkipList[float64, *PriceLevel], depth int) []DepthLevel {
	levels := make([]DepthLevel, 0, depth)
	it := book.Iterator()
	for i := 0; i < depth; i++ {
		_, level, ok := it.Next()
		if !ok {
			break
		}
		levels = append(levels, DepthLevel{Price: level.Price, Volume: level.Volume()})
	}
	return levels
}
