// Package application 撮合上下文的应用服务
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/pkg/logging"

	"github.com/wyfcoding/margintrading/internal/matching/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
)

// EventPublisher 领域事件发布出口
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, key string, event any) error
}

// MatchingManager 处理所有撮合相关的写入操作（Commands）。
type MatchingManager struct {
	engine       *domain.MatchingEngine
	tradeRepo    domain.TradeRepository
	snapshotRepo domain.BookSnapshotRepository
	publisher    EventPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewMatchingManager 构造函数。
func NewMatchingManager(
	engine *domain.MatchingEngine,
	tradeRepo domain.TradeRepository,
	snapshotRepo domain.BookSnapshotRepository,
	publisher EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MatchingManager {
	return &MatchingManager{
		engine:       engine,
		tradeRepo:    tradeRepo,
		snapshotRepo: snapshotRepo,
		publisher:    publisher,
		metrics:      m,
		logger:       logger.With("module", "matching_manager"),
	}
}

// Engine 暴露底层引擎，供同进程的强平流程直接撮合
func (m *MatchingManager) Engine() *domain.MatchingEngine {
	return m.engine
}

// SubmitOrder 提交订单进行撮合
func (m *MatchingManager) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*MatchResultDTO, error) {
	defer logging.LogDuration(ctx, "order matching finished",
		"order_id", req.OrderID,
		"asset_pair", req.AssetPairID,
	)()

	order, err := m.buildOrder(req)
	if err != nil {
		return nil, err
	}

	result, err := m.ExecuteMatch(ctx, order, req.ShouldOpenNewPosition, domain.MatchingModality(req.Modality))
	if err != nil {
		return nil, err
	}
	return toMatchResultDTO(order, result), nil
}

// ExecuteMatch 执行撮合并落库成交、发布事件。强平流程复用此入口。
func (m *MatchingManager) ExecuteMatch(ctx context.Context, order *domain.Order, shouldOpenNewPosition bool, modality domain.MatchingModality) (*domain.MatchedOrderCollection, error) {
	start := time.Now()
	result, err := m.engine.MatchOrder(ctx, order, shouldOpenNewPosition, modality)
	if err != nil {
		if errors.Is(err, domain.ErrEngineBusy) {
			logging.Warn(ctx, "matching engine busy", "order_id", order.ID, "asset_pair", order.AssetPairID)
		}
		return nil, err
	}
	m.metrics.OrdersMatchedTotal.Inc()
	m.metrics.MatchDuration.Observe(time.Since(start).Seconds())

	if result.IsEmpty() {
		m.metrics.NoLiquidityTotal.Inc()
		if pubErr := m.publisher.Publish(ctx, domain.EventTypeNoLiquidity, order.AssetPairID, domain.NoLiquidityEvent{
			OrderID:     order.ID,
			AssetPairID: order.AssetPairID,
			Direction:   order.Direction,
			Volume:      order.Volume,
			OccurredAt:  time.Now(),
		}); pubErr != nil {
			logging.Error(ctx, "failed to publish no-liquidity event", "order_id", order.ID, "error", pubErr)
		}
		return result, nil
	}

	if err := m.persistTrades(ctx, order, result); err != nil {
		return nil, fmt.Errorf("failed to persist trades for order %s: %w", order.ID, err)
	}
	m.metrics.TradesTotal.Add(float64(result.Len()))
	m.updateDepthGauges(order.AssetPairID)

	if pubErr := m.publisher.Publish(ctx, domain.EventTypeOrderExecuted, order.AssetPairID, domain.OrderExecutedEvent{
		OrderID:              order.ID,
		AccountID:            order.AccountID,
		AssetPairID:          order.AssetPairID,
		Direction:            order.Direction,
		RequestedVolume:      order.AbsVolume(),
		MatchedVolume:        result.SummaryVolume(),
		WeightedAveragePrice: result.WeightedAveragePrice(),
		TradeCount:           result.Len(),
		Modality:             string(modality),
		ExecutedAt:           time.Now(),
	}); pubErr != nil {
		logging.Error(ctx, "failed to publish order executed event", "order_id", order.ID, "error", pubErr)
	}
	return result, nil
}

// GetPriceForClose 平仓询价
func (m *MatchingManager) GetPriceForClose(ctx context.Context, assetPairID string, volume decimal.Decimal, providerID string) (decimal.Decimal, error) {
	return m.engine.GetPriceForClose(ctx, assetPairID, volume, providerID)
}

// PlaceMakerOrder 做市商挂单
func (m *MatchingManager) PlaceMakerOrder(ctx context.Context, req *PlaceMakerOrderRequest) error {
	volume, err := decimal.NewFromString(req.Volume)
	if err != nil {
		return fmt.Errorf("invalid volume: %w", err)
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}
	direction, err := parseDirection(req.Direction)
	if err != nil {
		return err
	}
	orderID := req.OrderID
	if orderID == "" {
		orderID = fmt.Sprintf("ORD-%d", idgen.GenID())
	}
	if err := m.engine.PlaceMakerOrder(req.AssetPairID, orderID, req.MarketMakerID, direction, volume, price); err != nil {
		return err
	}
	m.updateDepthGauges(req.AssetPairID)
	return nil
}

// TakeSnapshot 持久化订单簿快照
func (m *MatchingManager) TakeSnapshot(ctx context.Context, assetPairID string) error {
	entries := m.engine.Book(assetPairID).SnapshotEntries()
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	snapshot := &domain.BookSnapshot{
		AssetPairID: assetPairID,
		TakenAt:     time.Now(),
		Payload:     payload,
	}
	if err := m.snapshotRepo.Save(ctx, snapshot); err != nil {
		return err
	}
	logging.Debug(ctx, "order book snapshot taken", "asset_pair", assetPairID, "entries", len(entries))
	return nil
}

// RunSnapshotLoop 周期性为所有活跃订单簿落快照，ctx 取消时退出
func (m *MatchingManager) RunSnapshotLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, pairID := range m.engine.ActivePairs() {
				if err := m.TakeSnapshot(ctx, pairID); err != nil {
					logging.Error(ctx, "order book snapshot failed", "asset_pair", pairID, "error", err)
				}
			}
		}
	}
}

// RecoverState 从最近快照恢复订单簿
func (m *MatchingManager) RecoverState(ctx context.Context, assetPairIDs []string) error {
	logging.Info(ctx, "starting matching engine state recovery")
	restored := 0
	for _, pairID := range assetPairIDs {
		snapshot, err := m.snapshotRepo.FindLatest(ctx, pairID)
		if err != nil {
			return fmt.Errorf("failed to load snapshot for %s: %w", pairID, err)
		}
		if snapshot == nil {
			continue
		}
		var entries []domain.SnapshotEntry
		if err := json.Unmarshal(snapshot.Payload, &entries); err != nil {
			return fmt.Errorf("corrupt snapshot for %s: %w", pairID, err)
		}
		for _, en := range entries {
			if err := m.engine.PlaceMakerOrder(pairID, en.OrderID, en.MarketMakerID, en.Direction, en.LimitOrderLeftToMatch, en.Price); err != nil {
				return fmt.Errorf("failed to replay resting order %s: %w", en.OrderID, err)
			}
			restored++
		}
		m.updateDepthGauges(pairID)
	}
	logging.Info(ctx, "state recovery finished", "restored_orders", restored)
	return nil
}

func (m *MatchingManager) persistTrades(ctx context.Context, order *domain.Order, result *domain.MatchedOrderCollection) error {
	trades := make([]*domain.Trade, 0, result.Len())
	for _, mo := range result.Items() {
		trades = append(trades, &domain.Trade{
			TradeID:             fmt.Sprintf("TRD-%d", idgen.GenID()),
			OrderID:             order.ID,
			CounterpartyOrderID: mo.CounterpartyOrderID,
			MarketMakerID:       mo.MarketMakerID,
			AccountID:           order.AccountID,
			AssetPairID:         order.AssetPairID,
			Volume:              mo.Volume,
			Price:               mo.Price,
			IsExternal:          mo.IsExternal,
			MatchedAt:           mo.MatchedAt,
		})
	}
	return m.tradeRepo.SaveBatch(ctx, trades)
}

func (m *MatchingManager) updateDepthGauges(assetPairID string) {
	bids, asks := m.engine.Book(assetPairID).Depth(100)
	m.metrics.BookDepthLevels.WithLabelValues(assetPairID, "bid").Set(float64(len(bids)))
	m.metrics.BookDepthLevels.WithLabelValues(assetPairID, "ask").Set(float64(len(asks)))
}

func (m *MatchingManager) buildOrder(req *SubmitOrderRequest) (*domain.Order, error) {
	volume, err := decimal.NewFromString(req.Volume)
	if err != nil {
		return nil, fmt.Errorf("invalid volume: %w", err)
	}
	direction, err := parseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	orderID := req.OrderID
	if orderID == "" {
		orderID = fmt.Sprintf("ORD-%d", idgen.GenID())
	}

	var order *domain.Order
	switch domain.OrderType(req.Type) {
	case domain.OrderTypeMarket, "":
		order, err = domain.NewMarketOrder(orderID, req.AccountID, req.AssetPairID, direction, volume)
	case domain.OrderTypeLimit:
		var price decimal.Decimal
		price, err = decimal.NewFromString(req.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid price: %w", err)
		}
		order, err = domain.NewLimitOrder(orderID, req.AccountID, req.AssetPairID, direction, volume, price)
	default:
		return nil, fmt.Errorf("unknown order type: %s", req.Type)
	}
	if err != nil {
		return nil, err
	}
	order.ParentPositionID = req.ParentPositionID
	return order, nil
}

func parseDirection(s string) (domain.Direction, error) {
	switch domain.Direction(s) {
	case domain.DirectionBuy, domain.DirectionSell:
		return domain.Direction(s), nil
	}
	return "", fmt.Errorf("unknown direction: %s", s)
}

func toMatchResultDTO(order *domain.Order, result *domain.MatchedOrderCollection) *MatchResultDTO {
	dto := &MatchResultDTO{
		OrderID:              order.ID,
		Status:               string(order.Status),
		MatchedVolume:        result.SummaryVolume().String(),
		WeightedAveragePrice: result.WeightedAveragePrice().String(),
		Fills:                make([]MatchFillDTO, 0, result.Len()),
	}
	for _, mo := range result.Items() {
		dto.Fills = append(dto.Fills, MatchFillDTO{
			CounterpartyOrderID: mo.CounterpartyOrderID,
			MarketMakerID:       mo.MarketMakerID,
			Volume:              mo.Volume.String(),
			Price:               mo.Price.String(),
			IsExternal:          mo.IsExternal,
			MatchedAt:           mo.MatchedAt,
		})
	}
	return dto
}
