// Package application 保证金巡检与风险水平核算
package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/pkg/logging"

	liqdomain "github.com/wyfcoding/margintrading/internal/liquidation/domain"
	posdomain "github.com/wyfcoding/margintrading/internal/position/domain"
	"github.com/wyfcoding/margintrading/internal/risk/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
)

const accountPageSize = 100

// PositionSource 持仓只读入口。巡检绝不修改持仓。
type PositionSource interface {
	GetOpenPositions(ctx context.Context, accountID string) ([]*posdomain.Position, error)
}

// PriceSource 平仓价探测入口
type PriceSource interface {
	GetPriceForClose(ctx context.Context, assetPairID string, volume decimal.Decimal, providerID string) (decimal.Decimal, error)
}

// LiquidationStarter stop-out 信号的唯一去向
type LiquidationStarter interface {
	StartLiquidation(ctx context.Context, cmd *liqdomain.StartLiquidationCommand) error
}

// EventPublisher 风险事件出口
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, key string, event any) error
}

// SnapshotCache 保证金快照缓存
type SnapshotCache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// MonitorConfig 巡检配置
type MonitorConfig struct {
	CheckInterval   time.Duration
	MarginCallLevel decimal.Decimal
	StopOutLevel    decimal.Decimal
}

// MarginMonitor 定期核算每个杠杆账户的保证金水平。水平越过
// margin-call 阈值发通知事件，越过 stop-out 阈值对账户的每个
// 持仓品种发起 MCO 强平。核算本身从不改写持仓。
type MarginMonitor struct {
	accounts  domain.AccountRepository
	positions PositionSource
	prices    PriceSource
	starter   LiquidationStarter
	publisher EventPublisher
	cache     SnapshotCache
	config    MonitorConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu sync.Mutex
	// lastSignal 账户上次信号，只在阈值穿越沿上发事件
	lastSignal map[string]domain.RiskSignal
}

// NewMarginMonitor 构造函数。
func NewMarginMonitor(
	accounts domain.AccountRepository,
	positions PositionSource,
	prices PriceSource,
	starter LiquidationStarter,
	publisher EventPublisher,
	cache SnapshotCache,
	config MonitorConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MarginMonitor {
	return &MarginMonitor{
		accounts:   accounts,
		positions:  positions,
		prices:     prices,
		starter:    starter,
		publisher:  publisher,
		cache:      cache,
		config:     config,
		metrics:    m,
		logger:     logger.With("module", "margin_monitor"),
		lastSignal: make(map[string]domain.RiskSignal),
	}
}

// Start 巡检循环，ctx 取消时退出
func (m *MarginMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "margin monitor started",
		"interval", m.config.CheckInterval,
		"margin_call_level", m.config.MarginCallLevel.String(),
		"stop_out_level", m.config.StopOutLevel.String())

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "margin monitor stopping")
			return nil
		case <-ticker.C:
			if err := m.RunCycle(ctx); err != nil {
				logging.Error(ctx, "margin check cycle failed", "error", err)
			}
		}
	}
}

// RunCycle 扫描全部账户。单个账户失败只记日志，不中断本轮。
func (m *MarginMonitor) RunCycle(ctx context.Context) error {
	offset := 0
	for {
		accounts, err := m.accounts.FindAll(ctx, offset, accountPageSize)
		if err != nil {
			return fmt.Errorf("failed to list margin accounts: %w", err)
		}
		for _, account := range accounts {
			if _, err := m.CheckAccount(ctx, account); err != nil {
				logging.Error(ctx, "account margin check failed", "account_id", account.ID, "error", err)
			}
		}
		if len(accounts) < accountPageSize {
			return nil
		}
		offset += accountPageSize
	}
}

// CheckAccount 核算单个账户并按需触发信号
func (m *MarginMonitor) CheckAccount(ctx context.Context, account *domain.MarginAccount) (*domain.MarginSnapshot, error) {
	m.metrics.MarginChecksTotal.Inc()

	positions, err := m.positions.GetOpenPositions(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}

	exposures := make([]domain.PositionExposure, 0, len(positions))
	for _, p := range positions {
		exposures = append(exposures, domain.PositionExposure{
			Position:     p,
			CurrentPrice: m.probePrice(ctx, p),
		})
	}

	snapshot, err := domain.ComputeMarginSnapshot(account, exposures)
	if err != nil {
		return nil, err
	}
	m.cacheSnapshot(ctx, snapshot)

	signal := snapshot.Classify(m.config.MarginCallLevel, m.config.StopOutLevel)
	m.mu.Lock()
	previous := m.lastSignal[account.ID]
	m.lastSignal[account.ID] = signal
	m.mu.Unlock()

	switch signal {
	case domain.RiskSignalStopOut:
		m.metrics.StopOutsTotal.Inc()
		m.triggerStopOut(ctx, account, snapshot, positions)
	case domain.RiskSignalMarginCall:
		if previous != domain.RiskSignalMarginCall {
			m.metrics.MarginCallsTotal.Inc()
			m.publish(ctx, domain.EventTypeMarginCall, account.ID, domain.MarginCallEvent{
				AccountID:  account.ID,
				Level:      snapshot.Level,
				UsedMargin: snapshot.UsedMargin,
				FreeMargin: snapshot.FreeMargin,
				Equity:     snapshot.Equity,
				OccurredAt: time.Now(),
			})
		}
	}
	return snapshot, nil
}

// probePrice 以持仓的平仓方向探测现价。无流动性时返回零，
// 该持仓本轮不计浮动盈亏。
func (m *MarginMonitor) probePrice(ctx context.Context, p *posdomain.Position) decimal.Decimal {
	price, err := m.prices.GetPriceForClose(ctx, p.AssetPairID, p.Volume, "")
	if err != nil {
		logging.Debug(ctx, "no close price for margin check",
			"asset_pair_id", p.AssetPairID, "position_id", p.ID, "error", err)
		return decimal.Zero
	}
	return price
}

// triggerStopOut 对账户每个持仓品种发起一个 MCO 强平。同范围已有
// 在途强平属正常并发，记告警跳过。
func (m *MarginMonitor) triggerStopOut(ctx context.Context, account *domain.MarginAccount, snapshot *domain.MarginSnapshot, positions []*posdomain.Position) {
	pairs := make([]string, 0, len(positions))
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !seen[p.AssetPairID] {
			seen[p.AssetPairID] = true
			pairs = append(pairs, p.AssetPairID)
		}
	}

	m.logger.WarnContext(ctx, "stop-out triggered",
		"account_id", account.ID,
		"level", snapshot.Level.String(),
		"equity", snapshot.Equity.String(),
		"pairs", pairs)

	m.publish(ctx, domain.EventTypeStopOutTriggered, account.ID, domain.StopOutTriggeredEvent{
		AccountID:    account.ID,
		AssetPairIDs: pairs,
		Level:        snapshot.Level,
		Equity:       snapshot.Equity,
		OccurredAt:   time.Now(),
	})

	for _, pair := range pairs {
		err := m.starter.StartLiquidation(ctx, &liqdomain.StartLiquidationCommand{
			OperationID: fmt.Sprintf("LIQ-%d", idgen.GenID()),
			AccountID:   account.ID,
			AssetPairID: pair,
			Type:        liqdomain.LiquidationTypeMCO,
			Originator:  "margin_monitor",
			CreatedAt:   time.Now(),
		})
		if err != nil {
			logging.Warn(ctx, "stop-out liquidation not started",
				"account_id", account.ID, "asset_pair_id", pair, "error", err)
		}
	}
}

func (m *MarginMonitor) cacheSnapshot(ctx context.Context, snapshot *domain.MarginSnapshot) {
	if m.cache == nil {
		return
	}
	key := "risk:margin:" + snapshot.AccountID
	if err := m.cache.SetJSON(ctx, key, snapshot, 2*m.config.CheckInterval); err != nil {
		logging.Debug(ctx, "failed to cache margin snapshot", "account_id", snapshot.AccountID, "error", err)
	}
}

func (m *MarginMonitor) publish(ctx context.Context, eventType, key string, event any) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, eventType, key, event); err != nil {
		logging.Error(ctx, "failed to publish risk event", "event_type", eventType, "error", err)
	}
}
