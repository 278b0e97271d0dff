package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrEngineBusy 订单簿正被其他撮合占用，调用方应退避重试
	ErrEngineBusy = errors.New("matching engine busy")
	// ErrNoLiquidity 内外部均无可用流动性（仅询价路径返回；
	// 撮合路径以空成交集合表达同一事实）
	ErrNoLiquidity = errors.New("no liquidity available")
	// ErrUnknownProvider 未注册的外部流动性提供方
	ErrUnknownProvider = errors.New("unknown liquidity provider")
	// ErrOrderNotMatchable 订单状态不允许撮合
	ErrOrderNotMatchable = errors.New("order is not in a matchable state")
)

// ExternalLiquidityProvider 外部流动性提供方：STP 成交与平仓询价共用
type ExternalLiquidityProvider interface {
	ProviderID() string
	// GetPrice 返回指定方向、数量的可成交价
	GetPrice(ctx context.Context, assetPairID string, volume decimal.Decimal, direction Direction) (decimal.Decimal, error)
	// Execute 以给定价格执行外部成交，返回外部回执 ID
	Execute(ctx context.Context, assetPairID string, volume decimal.Decimal, direction Direction, price decimal.Decimal) (string, error)
}

// MatchingEngine 按品种路由订单：做市模式走内部订单簿，
// STP 模式透传给外部流动性提供方。
type MatchingEngine struct {
	id string

	mu    sync.RWMutex
	books map[string]*OrderBook

	providersMu sync.RWMutex
	providers   map[string]ExternalLiquidityProvider

	logger *slog.Logger

	// PingLock 失败时的重试参数
	lockRetries int
	lockBackoff time.Duration
}

// NewMatchingEngine 创建撮合引擎
func NewMatchingEngine(id string, logger *slog.Logger) *MatchingEngine {
	return &MatchingEngine{
		id:          id,
		books:       make(map[string]*OrderBook),
		providers:   make(map[string]ExternalLiquidityProvider),
		logger:      logger.With("module", "matching_engine", "engine_id", id),
		lockRetries: 3,
		lockBackoff: time.Millisecond,
	}
}

// ID 引擎标识，写入其处理过的订单
func (e *MatchingEngine) ID() string {
	return e.id
}

// RegisterProvider 注册外部流动性提供方
func (e *MatchingEngine) RegisterProvider(p ExternalLiquidityProvider) {
	e.providersMu.Lock()
	defer e.providersMu.Unlock()
	e.providers[p.ProviderID()] = p
}

func (e *MatchingEngine) provider(id string) (ExternalLiquidityProvider, bool) {
	e.providersMu.RLock()
	defer e.providersMu.RUnlock()
	p, ok := e.providers[id]
	return p, ok
}

// Book 返回品种的订单簿，不存在时创建
func (e *MatchingEngine) Book(assetPairID string) *OrderBook {
	e.mu.RLock()
	book, ok := e.books[assetPairID]
	e.mu.RUnlock()
	if ok {
		return book
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if book, ok = e.books[assetPairID]; ok {
		return book
	}
	book = NewOrderBook(assetPairID)
	e.books[assetPairID] = book
	return book
}

// ActivePairs 返回当前存在订单簿的品种列表
func (e *MatchingEngine) ActivePairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pairs := make([]string, 0, len(e.books))
	for pairID := range e.books {
		pairs = append(pairs, pairID)
	}
	return pairs
}

// PlaceMakerOrder 将做市商限价单挂入订单簿（启动恢复与做市报价共用）
func (e *MatchingEngine) PlaceMakerOrder(assetPairID, orderID, marketMakerID string, d Direction, volume, price decimal.Decimal) error {
	if !volume.IsPositive() || !price.IsPositive() {
		return fmt.Errorf("maker order volume and price must be positive")
	}
	book := e.Book(assetPairID)
	if !e.acquire(book) {
		return ErrEngineBusy
	}
	defer book.Unlock()

	book.placeResting(d, &RestingOrder{
		OrderID:               orderID,
		MarketMakerID:         marketMakerID,
		LimitOrderLeftToMatch: volume,
		Price:                 price,
		PlacedAt:              time.Now(),
	})
	return nil
}

// acquire 带退避地尝试 PingLock
func (e *MatchingEngine) acquire(book *OrderBook) bool {
	for i := 0; ; i++ {
		if book.PingLock() {
			return true
		}
		if i >= e.lockRetries {
			return false
		}
		time.Sleep(e.lockBackoff << i)
	}
}

// MatchOrder 撮合入口。做市模式下对内部订单簿做一次完整撮合；
// STP 模式下向外部提供方询价并生成单笔外部成交。集合的
// SummaryVolume 小于订单量表示部分成交；集合为空表示 NoLiquidity，
// 两者都是正常结果，由调用方决定是否升级到特殊强平。
func (e *MatchingEngine) MatchOrder(ctx context.Context, order *Order, shouldOpenNewPosition bool, modality MatchingModality) (*MatchedOrderCollection, error) {
	if order.IsTerminal() {
		return nil, ErrOrderNotMatchable
	}
	order.Status = OrderStatusExecuting
	order.MatchingEngineID = e.id

	var (
		result *MatchedOrderCollection
		err    error
	)
	switch modality {
	case ModalitySTP:
		result, err = e.matchSTP(ctx, order)
	default:
		result, err = e.matchMarketMaker(order, shouldOpenNewPosition)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case result.SummaryVolume().GreaterThanOrEqual(order.AbsVolume()):
		now := time.Now()
		order.Status = OrderStatusExecuted
		order.ExecutedAt = &now
	case order.Type == OrderTypeMarket && result.IsEmpty():
		// 市价单颗粒无成交：订单终结，空集合交由调用方处理
		order.Status = OrderStatusRejected
	case order.Type == OrderTypeMarket:
		// 市价单吃穿盘口：已成交部分有效，剩余量无流动性可吃，
		// 订单同样终结；限价单的剩余量留在簿内继续等待
		now := time.Now()
		order.Status = OrderStatusExecuted
		order.ExecutedAt = &now
	}

	e.logger.DebugContext(ctx, "order matched",
		"order_id", order.ID,
		"asset_pair", order.AssetPairID,
		"matched_volume", result.SummaryVolume().String(),
		"avg_price", result.WeightedAveragePrice().String(),
		"modality", string(modality),
	)
	return result, nil
}

// matchMarketMaker 内部订单簿撮合。整个撮合过程对外原子：
// 持有 PingLock 期间的中间状态不会被其他调用方观察到。
func (e *MatchingEngine) matchMarketMaker(order *Order, shouldOpenNewPosition bool) (*MatchedOrderCollection, error) {
	book := e.Book(order.AssetPairID)
	if !e.acquire(book) {
		return nil, ErrEngineBusy
	}
	defer book.Unlock()

	result := book.match(order.Direction, order.AbsVolume(), order.Price)

	// 限价开仓单的剩余部分挂入订单簿；平仓单剩余部分绝不挂单，
	// 由强平流程决定后续处理
	remaining := order.AbsVolume().Sub(result.SummaryVolume())
	if remaining.IsPositive() && order.Type == OrderTypeLimit && shouldOpenNewPosition {
		book.placeResting(order.Direction, &RestingOrder{
			OrderID:               order.ID,
			LimitOrderLeftToMatch: remaining,
			Price:                 order.Price,
			PlacedAt:              time.Now(),
		})
	}
	return result, nil
}

// matchSTP 外部直通撮合：询价成功即生成单笔 IsExternal 成交
func (e *MatchingEngine) matchSTP(ctx context.Context, order *Order) (*MatchedOrderCollection, error) {
	result := NewMatchedOrderCollection()

	e.providersMu.RLock()
	providers := make([]ExternalLiquidityProvider, 0, len(e.providers))
	for _, p := range e.providers {
		providers = append(providers, p)
	}
	e.providersMu.RUnlock()

	for _, p := range providers {
		price, err := p.GetPrice(ctx, order.AssetPairID, order.AbsVolume(), order.Direction)
		if err != nil {
			e.logger.WarnContext(ctx, "external price unavailable",
				"provider", p.ProviderID(), "asset_pair", order.AssetPairID, "error", err)
			continue
		}
		receiptID, err := p.Execute(ctx, order.AssetPairID, order.AbsVolume(), order.Direction, price)
		if err != nil {
			e.logger.WarnContext(ctx, "external execution failed",
				"provider", p.ProviderID(), "asset_pair", order.AssetPairID, "error", err)
			continue
		}
		result.Add(MatchedOrder{
			CounterpartyOrderID:   receiptID,
			MarketMakerID:         p.ProviderID(),
			Volume:                order.Volume,
			Price:                 price,
			LimitOrderLeftToMatch: decimal.Zero,
			MatchedAt:             time.Now(),
			IsExternal:            true,
		})
		break
	}
	return result, nil
}

// GetPriceForClose 只读询价：按 volume 反向吃掉内部盘口是否可行，
// 可行则返回加权均价；内部流动性不足时转询指定外部提供方。
// 不修改订单簿。无价可用时返回 ErrNoLiquidity。
func (e *MatchingEngine) GetPriceForClose(ctx context.Context, assetPairID string, volume decimal.Decimal, providerID string) (decimal.Decimal, error) {
	if volume.IsZero() {
		return decimal.Zero, fmt.Errorf("close volume must be non-zero")
	}

	// volume 带持仓符号：平多即卖出，平空即买入
	direction := DirectionSell
	if volume.IsNegative() {
		direction = DirectionBuy
	}

	book := e.Book(assetPairID)
	if price, full := book.ProbeClosePrice(direction, volume.Abs()); full {
		return price, nil
	}

	if providerID != "" {
		p, ok := e.provider(providerID)
		if !ok {
			return decimal.Zero, ErrUnknownProvider
		}
		price, err := p.GetPrice(ctx, assetPairID, volume.Abs(), direction)
		if err == nil && price.IsPositive() {
			return price, nil
		}
	}
	return decimal.Zero, ErrNoLiquidity
}
