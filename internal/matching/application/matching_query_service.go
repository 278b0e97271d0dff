package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wyfcoding/margintrading/internal/matching/domain"
	"github.com/wyfcoding/margintrading/pkg/cache"
)

// MatchingQueryService 处理撮合上下文的只读查询（Queries）。
type MatchingQueryService struct {
	engine    *domain.MatchingEngine
	tradeRepo domain.TradeRepository
	cache     *cache.RedisCache
	logger    *slog.Logger
}

// NewMatchingQueryService 构造函数。
func NewMatchingQueryService(engine *domain.MatchingEngine, tradeRepo domain.TradeRepository, c *cache.RedisCache, logger *slog.Logger) *MatchingQueryService {
	return &MatchingQueryService{
		engine:    engine,
		tradeRepo: tradeRepo,
		cache:     c,
		logger:    logger.With("module", "matching_query"),
	}
}

const depthCacheTTL = time.Second

// GetDepth 查询订单簿深度，短暂缓存以抵挡行情轮询
func (s *MatchingQueryService) GetDepth(ctx context.Context, assetPairID string, depth int) (*DepthDTO, error) {
	if depth <= 0 || depth > 100 {
		depth = 20
	}
	cacheKey := "depth:" + assetPairID

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey); err == nil && raw != "" {
			var cached DepthDTO
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return &cached, nil
			}
		}
	}

	bids, asks := s.engine.Book(assetPairID).Depth(depth)
	dto := &DepthDTO{
		AssetPairID: assetPairID,
		Bids:        toDepthLevels(bids),
		Asks:        toDepthLevels(asks),
		Timestamp:   time.Now(),
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cacheKey, dto, depthCacheTTL); err != nil {
			s.logger.WarnContext(ctx, "failed to cache depth", "asset_pair", assetPairID, "error", err)
		}
	}
	return dto, nil
}

// GetTradesByOrder 查询订单的成交流水
func (s *MatchingQueryService) GetTradesByOrder(ctx context.Context, orderID string) ([]TradeDTO, error) {
	trades, err := s.tradeRepo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return toTradeDTOs(trades), nil
}

// GetTradesByAccount 查询账户最近成交
func (s *MatchingQueryService) GetTradesByAccount(ctx context.Context, accountID string, limit int) ([]TradeDTO, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	trades, err := s.tradeRepo.FindByAccountID(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	return toTradeDTOs(trades), nil
}

func toDepthLevels(levels []domain.DepthLevel) []DepthLevelDTO {
	out := make([]DepthLevelDTO, 0, len(levels))
	for _, l := range levels {
		out = append(out, DepthLevelDTO{Price: l.Price.String(), Volume: l.Volume.String()})
	}
	return out
}

func toTradeDTOs(trades []*domain.Trade) []TradeDTO {
	out := make([]TradeDTO, 0, len(trades))
	for _, t := range trades {
		out = append(out, TradeDTO{
			TradeID:       t.TradeID,
			OrderID:       t.OrderID,
			AssetPairID:   t.AssetPairID,
			MarketMakerID: t.MarketMakerID,
			Volume:        t.Volume.String(),
			Price:         t.Price.String(),
			IsExternal:    t.IsExternal,
			MatchedAt:     t.MatchedAt,
		})
	}
	return out
}
