package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/pkg/logging"

	"github.com/wyfcoding/margintrading/internal/liquidation/domain"
	matchdomain "github.com/wyfcoding/margintrading/internal/matching/domain"
	posdomain "github.com/wyfcoding/margintrading/internal/position/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
)

// SagaConfig 重试与超时预算
type SagaConfig struct {
	// PriceRequestTimeout 单次询价的等待上限
	PriceRequestTimeout time.Duration
	// PriceRequestRetries 询价重试预算，耗尽即失败
	PriceRequestRetries int
	// DefaultProviderID 未指定时使用的价格提供方
	DefaultProviderID string
}

// LiquidationSaga 强平状态机的编排器。每个处理器先按 OperationID
// 加载 saga 记录判重，重复投递与迟到命令一律无副作用跳过。
type LiquidationSaga struct {
	ops       domain.OperationRepository
	ledger    PositionLedger
	matcher   MatchExecutor
	requester PriceRequester
	settler   TradeSettler
	commands  CommandBus
	events    EventPublisher
	config    SagaConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewLiquidationSaga 构造函数。
func NewLiquidationSaga(
	ops domain.OperationRepository,
	ledger PositionLedger,
	matcher MatchExecutor,
	requester PriceRequester,
	settler TradeSettler,
	commands CommandBus,
	events EventPublisher,
	config SagaConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LiquidationSaga {
	return &LiquidationSaga{
		ops:       ops,
		ledger:    ledger,
		matcher:   matcher,
		requester: requester,
		settler:   settler,
		commands:  commands,
		events:    events,
		config:    config,
		metrics:   m,
		logger:    logger.With("module", "liquidation_saga"),
	}
}

// StartLiquidation 同步入口：运营 API 与保证金巡检都走这里。
// 返回 ErrAlreadyInProgress 时调用方直接拒绝，不产生任何记录。
func (s *LiquidationSaga) StartLiquidation(ctx context.Context, cmd *domain.StartLiquidationCommand) error {
	existing, err := s.ops.FindByID(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if existing != nil {
		s.dropDuplicate(ctx, "StartLiquidation", cmd.OperationID)
		return nil
	}

	active, err := s.ops.FindActiveByScope(ctx, domain.OperationNameLiquidation, cmd.AccountID, cmd.AssetPairID, domain.LiquidationTerminalStates)
	if err != nil {
		return err
	}
	if active != nil {
		return domain.ErrAlreadyInProgress
	}

	positionIDs := cmd.PositionIDs
	if len(positionIDs) == 0 {
		positions, err := s.ledger.GetOpenPositionsByPair(ctx, cmd.AccountID, cmd.AssetPairID)
		if err != nil {
			return fmt.Errorf("failed to resolve positions: %w", err)
		}
		for _, p := range positions {
			positionIDs = append(positionIDs, p.ID)
		}
	}
	if len(positionIDs) == 0 {
		return domain.ErrOperationNotFound
	}

	if err := s.ledger.TryStartClosing(ctx, positionIDs); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyInProgress, err)
	}

	op := domain.NewLiquidationOperation(cmd.OperationID, cmd.AccountID, cmd.AssetPairID, cmd.Direction, positionIDs, cmd.Type, cmd.Originator)
	if err := s.saveLiquidation(ctx, op); err != nil {
		revertErr := s.ledger.CancelClosing(ctx, positionIDs)
		if revertErr != nil {
			logging.Error(ctx, "failed to revert closing marks", "operation_id", cmd.OperationID, "error", revertErr)
		}
		return err
	}

	s.publishEvent(ctx, domain.EventTypeLiquidationStarted, op.OperationID, domain.LiquidationStartedEvent{
		OperationID: op.OperationID,
		AccountID:   op.AccountID,
		AssetPairID: op.AssetPairID,
		Type:        op.Type,
		PositionIDs: positionIDs,
		StartedAt:   op.StartedAt,
	})
	s.sendCommand(ctx, domain.TopicLiquidatePositions, op.OperationID, &domain.LiquidatePositionsCommand{
		OperationID: op.OperationID,
		PositionIDs: positionIDs,
	})
	return nil
}

// HandleLiquidatePositions 常规平仓：逐个持仓以最优价吃内部盘口。
// 零成交的持仓不算失败，留给特殊强平处理。
func (s *LiquidationSaga) HandleLiquidatePositions(ctx context.Context, cmd *domain.LiquidatePositionsCommand) error {
	op, err := s.loadLiquidation(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if op == nil || op.IsTerminal() {
		s.dropDuplicate(ctx, "LiquidatePositions", cmd.OperationID)
		return nil
	}
	if op.State == domain.LiquidationStateStarted {
		if err := op.StartProcessing(ctx); err != nil {
			return err
		}
	}
	if op.State != domain.LiquidationStateProcessing {
		s.dropDuplicate(ctx, "LiquidatePositions", cmd.OperationID)
		return nil
	}

	positions, err := s.ledger.GetPositions(ctx, op.PendingPositionIDs)
	if err != nil {
		return err
	}

	var unmatched []string
	for _, position := range positions {
		if !position.IsOpen() {
			op.MarkProcessed(position.ID, false)
			continue
		}
		liquidated, err := s.liquidateOne(ctx, op, position)
		if err != nil {
			return err
		}
		if liquidated {
			op.MarkProcessed(position.ID, true)
		} else {
			unmatched = append(unmatched, position.ID)
		}
	}

	if len(unmatched) == 0 {
		if err := s.saveLiquidation(ctx, op); err != nil {
			return err
		}
		s.sendCommand(ctx, domain.TopicFinishLiquidation, op.OperationID, &domain.FinishLiquidationCommand{OperationID: op.OperationID})
		return nil
	}

	// 内部流动性不足：带着未成交持仓升级到特殊强平
	specialID := fmt.Sprintf("%s-special-%d", op.OperationID, idgen.GenID())
	if err := op.Escalate(ctx, unmatched); err != nil {
		return err
	}
	if err := s.saveLiquidation(ctx, op); err != nil {
		return err
	}
	s.publishEvent(ctx, domain.EventTypeLiquidationEscalated, op.OperationID, domain.LiquidationEscalatedEvent{
		OperationID:        op.OperationID,
		SpecialOperationID: specialID,
		PositionIDs:        unmatched,
	})
	s.sendCommand(ctx, domain.TopicStartSpecialLiquidation, specialID, &domain.StartSpecialLiquidationCommand{
		OperationID: specialID,
		AccountID:   op.AccountID,
		AssetPairID: op.AssetPairID,
		PositionIDs: unmatched,
		ProviderID:  s.config.DefaultProviderID,
	})
	return nil
}

// liquidateOne 以市价单反向平一个持仓。部分成交先按量净额计入，
// 剩余量留待升级。
func (s *LiquidationSaga) liquidateOne(ctx context.Context, op *domain.LiquidationOperationData, position *posdomain.Position) (bool, error) {
	direction := matchdomain.DirectionSell
	if position.Volume.IsNegative() {
		direction = matchdomain.DirectionBuy
	}

	order, err := matchdomain.NewMarketOrder(fmt.Sprintf("ORD-%d", idgen.GenID()), position.AccountID, position.AssetPairID, direction, position.Volume.Abs())
	if err != nil {
		return false, err
	}
	order.ParentPositionID = position.ID

	result, err := s.matcher.ExecuteMatch(ctx, order, false, matchdomain.ModalityMarketMaker)
	if err != nil {
		return false, fmt.Errorf("failed to match close order for position %s: %w", position.ID, err)
	}
	if result.IsEmpty() {
		logging.Warn(ctx, "no liquidity for position, escalating",
			"operation_id", op.OperationID, "position_id", position.ID)
		return false, nil
	}

	matched := result.SummaryVolume()
	avgPrice := result.WeightedAveragePrice()

	if matched.GreaterThanOrEqual(position.Volume.Abs()) {
		if err := s.ledger.ClosePosition(ctx, position.ID, avgPrice, closeReasonFor(op.Type)); err != nil {
			return false, err
		}
		return true, nil
	}

	// 部分成交：净额计入后持仓仍然打开，剩余量走特殊强平
	fill := matched.Mul(direction.Sign())
	if _, err := s.ledger.ApplyFill(ctx, position.ID, fill, avgPrice); err != nil {
		return false, err
	}
	return false, nil
}

// HandleResumeLiquidation 特殊强平结束后回到主流程收尾
func (s *LiquidationSaga) HandleResumeLiquidation(ctx context.Context, cmd *domain.ResumeLiquidationCommand) error {
	op, err := s.loadLiquidation(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if op == nil || op.IsTerminal() || op.State != domain.LiquidationStateSpecial {
		s.dropDuplicate(ctx, "ResumeLiquidation", cmd.OperationID)
		return nil
	}

	if err := op.Resume(ctx); err != nil {
		return err
	}
	if err := s.saveLiquidation(ctx, op); err != nil {
		return err
	}
	s.sendCommand(ctx, domain.TopicLiquidatePositions, op.OperationID, &domain.LiquidatePositionsCommand{
		OperationID: op.OperationID,
		PositionIDs: op.PendingPositionIDs,
	})
	return nil
}

// HandleFinishLiquidation 正常终结
func (s *LiquidationSaga) HandleFinishLiquidation(ctx context.Context, cmd *domain.FinishLiquidationCommand) error {
	op, err := s.loadLiquidation(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if op == nil || op.IsTerminal() {
		s.dropDuplicate(ctx, "FinishLiquidation", cmd.OperationID)
		return nil
	}

	if err := op.Finish(ctx); err != nil {
		return err
	}
	if err := s.saveLiquidation(ctx, op); err != nil {
		return err
	}
	s.metrics.LiquidationsTotal.WithLabelValues("finished").Inc()
	s.publishEvent(ctx, domain.EventTypeLiquidationFinished, op.OperationID, domain.LiquidationFinishedEvent{
		OperationID:           op.OperationID,
		LiquidatedPositionIDs: op.LiquidatedPositionIDs,
		FinishedAt:            op.FinishedAt,
	})
	return nil
}

// HandleFailLiquidation 失败终结。Closing 持仓一律回收，
// 不允许滞留。
func (s *LiquidationSaga) HandleFailLiquidation(ctx context.Context, cmd *domain.FailLiquidationCommand) error {
	op, err := s.loadLiquidation(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if op == nil || op.IsTerminal() {
		s.dropDuplicate(ctx, "FailLiquidation", cmd.OperationID)
		return nil
	}

	if err := s.ledger.CancelClosing(ctx, op.PendingPositionIDs); err != nil {
		logging.Error(ctx, "failed to revert closing positions", "operation_id", op.OperationID, "error", err)
	}
	if err := op.Fail(ctx, cmd.Reason); err != nil {
		return err
	}
	if err := s.saveLiquidation(ctx, op); err != nil {
		return err
	}
	s.metrics.LiquidationsTotal.WithLabelValues("failed").Inc()
	s.publishEvent(ctx, domain.EventTypeLiquidationFailed, op.OperationID, domain.LiquidationFailedEvent{
		OperationID: op.OperationID,
		Reason:      cmd.Reason,
	})
	return nil
}

// GetOperation 查询 saga 记录
func (s *LiquidationSaga) GetOperation(ctx context.Context, operationID string) (*domain.OperationRecord, error) {
	record, err := s.ops.FindByID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrOperationNotFound
	}
	return record, nil
}

func (s *LiquidationSaga) loadLiquidation(ctx context.Context, operationID string) (*domain.LiquidationOperationData, error) {
	record, err := s.ops.FindByID(ctx, operationID)
	if err != nil || record == nil {
		return nil, err
	}
	info, err := domain.UnwrapOperation[domain.LiquidationOperationData](record)
	if err != nil {
		return nil, err
	}
	data := info.Data
	data.InitFSM()
	return &data, nil
}

func (s *LiquidationSaga) saveLiquidation(ctx context.Context, op *domain.LiquidationOperationData) error {
	record, err := domain.WrapOperation(domain.OperationNameLiquidation, op.OperationID, op.AccountID, op.AssetPairID, string(op.State), op)
	if err != nil {
		return err
	}
	return s.ops.Save(ctx, record)
}

func (s *LiquidationSaga) sendCommand(ctx context.Context, topic, key string, cmd any) {
	s.metrics.SagaCommandsTotal.WithLabelValues(topic).Inc()
	if err := s.commands.Send(ctx, topic, key, cmd); err != nil {
		logging.Error(ctx, "failed to send saga command", "topic", topic, "key", key, "error", err)
	}
}

func (s *LiquidationSaga) publishEvent(ctx context.Context, eventType, key string, event any) {
	if err := s.events.Publish(ctx, eventType, key, event); err != nil {
		logging.Error(ctx, "failed to publish liquidation event", "event_type", eventType, "key", key, "error", err)
	}
}

func (s *LiquidationSaga) dropDuplicate(ctx context.Context, handler, operationID string) {
	s.metrics.SagaDuplicatesDropped.Inc()
	logging.Debug(ctx, "duplicate or stale saga command dropped", "handler", handler, "operation_id", operationID)
}

func closeReasonFor(typ domain.LiquidationType) posdomain.CloseReason {
	if typ == domain.LiquidationTypeMCO {
		return posdomain.CloseReasonStopOut
	}
	return posdomain.CloseReasonLiquidation
}
