// Package application 持仓台账的应用服务
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

	"github.com/wyfcoding/margintrading/internal/position/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
)

// EventPublisher 领域事件发布出口
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, key string, event any) error
}

// LedgerService 持仓台账。所有持仓变更都经由这里，并在账户级
// 互斥下执行，保证单写者语义。
type LedgerService struct {
	positionRepo domain.PositionRepository
	swapRepo     domain.SwapRepository
	publisher    EventPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedgerService 构造函数。
func NewLedgerService(
	positionRepo domain.PositionRepository,
	swapRepo domain.SwapRepository,
	publisher EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		positionRepo: positionRepo,
		swapRepo:     swapRepo,
		publisher:    publisher,
		metrics:      m,
		logger:       logger.With("module", "position_ledger"),
		locks:        make(map[string]*sync.Mutex),
	}
}

// accountLock 账户级互斥锁
func (s *LedgerService) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// OpenPosition 以撮合结果开仓，开仓价为成交加权均价
func (s *LedgerService) OpenPosition(ctx context.Context, accountID, assetPairID, openOrderID string, volume, entryPrice, fxRate decimal.Decimal) (*domain.Position, error) {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	position, err := domain.NewPosition(fmt.Sprintf("POS-%d", idgen.GenID()), accountID, assetPairID, openOrderID, volume, entryPrice, fxRate)
	if err != nil {
		return nil, err
	}
	if err := s.positionRepo.Save(ctx, position); err != nil {
		return nil, fmt.Errorf("failed to save position: %w", err)
	}
	s.metrics.PositionsActive.Inc()

	if pubErr := s.publisher.Publish(ctx, domain.EventTypePositionOpened, position.ID, domain.PositionOpenedEvent{
		PositionID:  position.ID,
		AccountID:   position.AccountID,
		AssetPairID: position.AssetPairID,
		Volume:      position.Volume,
		EntryPrice:  position.EntryPrice,
		OpenOrderID: position.OpenOrderID,
		OpenedAt:    position.OpenedAt,
	}); pubErr != nil {
		logging.Error(ctx, "failed to publish position opened event", "position_id", position.ID, "error", pubErr)
	}
	return position, nil
}

// loadLocked 在账户锁内加载持仓，返回时持有锁。锁外的首次加载仅
// 用于定位账户，锁内必须重读，否则并发写会基于过期快照互相覆盖。
func (s *LedgerService) loadLocked(ctx context.Context, positionID string) (*domain.Position, *sync.Mutex, error) {
	position, err := s.positionRepo.FindByID(ctx, positionID)
	if err != nil {
		return nil, nil, err
	}
	if position == nil {
		return nil, nil, domain.ErrPositionNotFound
	}

	l := s.accountLock(position.AccountID)
	l.Lock()
	position, err = s.positionRepo.FindByID(ctx, positionID)
	if err != nil {
		l.Unlock()
		return nil, nil, err
	}
	if position == nil {
		l.Unlock()
		return nil, nil, domain.ErrPositionNotFound
	}
	return position, l, nil
}

// ApplyFill 将一笔成交净额计入持仓
func (s *LedgerService) ApplyFill(ctx context.Context, positionID string, fillVolume, fillPrice decimal.Decimal) (*domain.FillResult, error) {
	position, l, err := s.loadLocked(ctx, positionID)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()

	result, err := position.ApplyFill(fillVolume, fillPrice)
	if err != nil {
		return nil, err
	}
	if err := s.positionRepo.Save(ctx, position); err != nil {
		return nil, fmt.Errorf("failed to save position: %w", err)
	}

	if result.FullyClosed {
		s.metrics.PositionsActive.Dec()
		s.publishClosed(ctx, position)
	} else {
		if pubErr := s.publisher.Publish(ctx, domain.EventTypePositionUpdated, position.ID, domain.PositionUpdatedEvent{
			PositionID:  position.ID,
			Volume:      position.Volume,
			EntryPrice:  position.EntryPrice,
			RealizedPnl: position.RealizedPnl,
			Flipped:     result.Flipped,
			UpdatedAt:   position.UpdatedAt,
		}); pubErr != nil {
			logging.Error(ctx, "failed to publish position updated event", "position_id", position.ID, "error", pubErr)
		}
	}
	return result, nil
}

// ClosePosition 以给定价格与原因平仓（强平流程调用）
func (s *LedgerService) ClosePosition(ctx context.Context, positionID string, closePrice decimal.Decimal, reason domain.CloseReason) error {
	position, l, err := s.loadLocked(ctx, positionID)
	if err != nil {
		return err
	}
	defer l.Unlock()

	// 平仓前结转剩余持仓的已实现盈亏
	if !position.Volume.IsZero() {
		if _, err := position.ApplyFill(position.Volume.Neg(), closePrice); err != nil {
			return err
		}
	} else if err := position.Close(closePrice, reason); err != nil {
		return err
	}
	position.CloseReason = reason
	if err := s.positionRepo.Save(ctx, position); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	s.metrics.PositionsActive.Dec()
	s.publishClosed(ctx, position)
	return nil
}

// TryStartClosing 批量标记持仓为平仓中。任何一个失败就回滚已
// 标记的持仓，整个操作全有或全无。
func (s *LedgerService) TryStartClosing(ctx context.Context, positionIDs []string) error {
	var marked []string
	for _, id := range positionIDs {
		if err := s.markClosing(ctx, id); err != nil {
			if revertErr := s.CancelClosing(ctx, marked); revertErr != nil {
				logging.Error(ctx, "failed to revert closing marks", "error", revertErr)
			}
			return fmt.Errorf("failed to mark position %s closing: %w", id, err)
		}
		marked = append(marked, id)
	}
	return nil
}

func (s *LedgerService) markClosing(ctx context.Context, positionID string) error {
	position, l, err := s.loadLocked(ctx, positionID)
	if err != nil {
		return err
	}
	defer l.Unlock()

	if err := position.TryStartClosing(); err != nil {
		return err
	}
	return s.positionRepo.Save(ctx, position)
}

// CancelClosing 撤销平仓中标记，失败路径的强制回收动作
func (s *LedgerService) CancelClosing(ctx context.Context, positionIDs []string) error {
	var firstErr error
	for _, id := range positionIDs {
		position, l, err := s.loadLocked(ctx, id)
		if err != nil {
			continue
		}
		if err := position.CancelClosing(); err != nil {
			l.Unlock()
			continue
		}
		if err := s.positionRepo.Save(ctx, position); err != nil && firstErr == nil {
			firstErr = err
		}
		l.Unlock()
	}
	return firstErr
}

// ComputePnl 计算持仓的未实现盈亏
func (s *LedgerService) ComputePnl(ctx context.Context, positionID string, currentPrice decimal.Decimal) (decimal.Decimal, error) {
	position, err := s.positionRepo.FindByID(ctx, positionID)
	if err != nil {
		return decimal.Zero, err
	}
	if position == nil {
		return decimal.Zero, domain.ErrPositionNotFound
	}
	return domain.PositionPnl(position, currentPrice)
}

// GetOpenPositions 账户未终结持仓
func (s *LedgerService) GetOpenPositions(ctx context.Context, accountID string) ([]*domain.Position, error) {
	return s.positionRepo.FindOpenByAccount(ctx, accountID)
}

// GetOpenPositionsByPair 账户在指定品种上的未终结持仓
func (s *LedgerService) GetOpenPositionsByPair(ctx context.Context, accountID, assetPairID string) ([]*domain.Position, error) {
	return s.positionRepo.FindOpenByAccountAndPair(ctx, accountID, assetPairID)
}

// GetPositions 按 ID 批量查询，缺失的 ID 被静默跳过
func (s *LedgerService) GetPositions(ctx context.Context, ids []string) ([]*domain.Position, error) {
	return s.positionRepo.FindByIDs(ctx, ids)
}

// LastSwapRunAt 最近一次隔夜利息计提时刻，从未计提时为零值
func (s *LedgerService) LastSwapRunAt(ctx context.Context) (time.Time, error) {
	return s.swapRepo.LastCalculatedAt(ctx)
}

// RunOvernightSwap 对全部未终结持仓计提一轮隔夜利息。同一开仓
// 订单的计算结果累加，重跑补算不会覆盖已计金额。
func (s *LedgerService) RunOvernightSwap(ctx context.Context, rate decimal.Decimal, asOf time.Time) error {
	defer logging.LogDuration(ctx, "overnight swap run finished", "as_of", asOf)()
	s.metrics.SwapRunsTotal.Inc()

	positions, err := s.positionRepo.FindAllOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}

	for _, position := range positions {
		if err := s.chargeSwap(ctx, position.ID, rate, asOf); err != nil {
			logging.Error(ctx, "swap charge failed",
				"position_id", position.ID, "open_order_id", position.OpenOrderID, "error", err)
		}
	}
	return nil
}

func (s *LedgerService) chargeSwap(ctx context.Context, positionID string, rate decimal.Decimal, asOf time.Time) error {
	position, l, err := s.loadLocked(ctx, positionID)
	if err != nil {
		return err
	}
	defer l.Unlock()

	// 批量快照与逐仓计提之间持仓可能已被平掉
	if !position.IsOpen() {
		return nil
	}

	// 利息 = -|持仓量| * 开仓价 * 日利率 * 汇率
	value := position.Volume.Abs().Mul(position.EntryPrice).Mul(rate).Mul(position.FxRate).Neg()
	calc := domain.NewSwapCalculation(position.OpenOrderID, value, asOf)

	existing, err := s.swapRepo.FindByOpenOrderID(ctx, position.OpenOrderID)
	if err != nil {
		return err
	}
	if existing != nil {
		existing.Update(calc)
		calc = existing
	}
	if err := s.swapRepo.Save(ctx, calc); err != nil {
		return err
	}

	position.ChargeSwap(value)
	if err := s.positionRepo.Save(ctx, position); err != nil {
		return err
	}

	if pubErr := s.publisher.Publish(ctx, domain.EventTypeSwapCharged, position.ID, domain.SwapChargedEvent{
		PositionID:  position.ID,
		OpenOrderID: position.OpenOrderID,
		Value:       value,
		Accumulated: calc.Value,
		AsOf:        asOf,
	}); pubErr != nil {
		logging.Error(ctx, "failed to publish swap charged event", "position_id", position.ID, "error", pubErr)
	}
	return nil
}

func (s *LedgerService) publishClosed(ctx context.Context, position *domain.Position) {
	if pubErr := s.publisher.Publish(ctx, domain.EventTypePositionClosed, position.ID, domain.PositionClosedEvent{
		PositionID:  position.ID,
		AccountID:   position.AccountID,
		AssetPairID: position.AssetPairID,
		ClosePrice:  position.ClosePrice,
		RealizedPnl: position.RealizedPnl,
		CloseReason: position.CloseReason,
		ClosedAt:    position.UpdatedAt,
	}); pubErr != nil {
		logging.Error(ctx, "failed to publish position closed event", "position_id", position.ID, "error", pubErr)
	}
}
