package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wyfcoding/pkg/logging"

	"github.com/wyfcoding/margintrading/internal/liquidation/domain"
	posdomain "github.com/wyfcoding/margintrading/internal/position/domain"
)

// HandleStartSpecialLiquidation 创建特殊强平子流程并发起首次询价
func (s *LiquidationSaga) HandleStartSpecialLiquidation(ctx context.Context, cmd *domain.StartSpecialLiquidationCommand) error {
	existing, err := s.ops.FindByID(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if existing != nil {
		s.dropDuplicate(ctx, "StartSpecialLiquidation", cmd.OperationID)
		return nil
	}

	active, err := s.ops.FindActiveByScope(ctx, domain.OperationNameSpecialLiquidation, cmd.AccountID, cmd.AssetPairID, domain.SpecialTerminalStates)
	if err != nil {
		return err
	}
	if active != nil {
		return domain.ErrAlreadyInProgress
	}

	parentID := parentOperationID(cmd.OperationID)
	op := domain.NewSpecialLiquidationOperation(cmd.OperationID, parentID, cmd.AccountID, cmd.AssetPairID, cmd.ProviderID, cmd.PositionIDs)

	if err := s.syncFromLedger(ctx, op); err != nil {
		return err
	}
	if op.Volume.IsZero() {
		// 升级与询价之间持仓已被其他活动平掉，无需成交
		if err := op.Finish(ctx); err != nil {
			return err
		}
		if err := s.saveSpecial(ctx, op); err != nil {
			return err
		}
		s.resumeParent(ctx, op)
		return nil
	}

	s.metrics.SpecialLiquidations.Inc()
	return s.requestPrice(ctx, op)
}

// HandleGetPriceTimeout 询价超时。序号不匹配说明是旧请求的迟到
// 超时，直接丢弃；预算耗尽则整体失败。
func (s *LiquidationSaga) HandleGetPriceTimeout(ctx context.Context, cmd *domain.GetPriceForSpecialLiquidationTimeoutCommand) error {
	op, err := s.loadSpecial(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if op == nil || op.IsTerminal() || op.State != domain.SpecialStatePriceRequested {
		s.dropDuplicate(ctx, "GetPriceTimeout", cmd.OperationID)
		return nil
	}
	if cmd.RequestNumber != op.RequestNumber {
		s.dropDuplicate(ctx, "GetPriceTimeout", cmd.OperationID)
		return nil
	}

	if op.RequestNumber >= s.config.PriceRequestRetries {
		return s.failSpecial(ctx, op, fmt.Sprintf("price request timed out after %d attempts", op.RequestNumber))
	}

	s.metrics.PriceRequestRetries.Inc()
	if err := s.syncFromLedger(ctx, op); err != nil {
		return err
	}
	if op.Volume.IsZero() {
		return s.finishSpecial(ctx, op)
	}
	return s.requestPrice(ctx, op)
}

// HandleExecuteSpecialOrder 价格到位。成交前强制 Sync，
// 绝不按过期快照成交。
func (s *LiquidationSaga) HandleExecuteSpecialOrder(ctx context.Context, cmd *domain.ExecuteSpecialLiquidationOrderCommand) error {
	op, err := s.loadSpecial(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if op == nil || op.IsTerminal() {
		s.dropDuplicate(ctx, "ExecuteSpecialOrder", cmd.OperationID)
		return nil
	}
	if op.State == domain.SpecialStatePaused {
		return domain.ErrInvalidOperationState
	}

	if err := s.syncFromLedger(ctx, op); err != nil {
		return err
	}
	if op.Volume.IsZero() {
		return s.finishSpecial(ctx, op)
	}

	if err := op.Execute(ctx, cmd.Price, cmd.ProviderID); err != nil {
		return err
	}
	if err := s.saveSpecial(ctx, op); err != nil {
		return err
	}

	for _, positionID := range op.PositionIDs {
		if err := s.ledger.ClosePosition(ctx, positionID, cmd.Price, posdomain.CloseReasonSpecialLiquidation); err != nil {
			logging.Error(ctx, "failed to close position at special price",
				"operation_id", op.OperationID, "position_id", positionID, "error", err)
			return s.failSpecial(ctx, op, fmt.Sprintf("position close failed: %v", err))
		}
	}

	if s.settler != nil {
		if err := s.settler.SettleSpecialTrade(ctx, op.OperationID, op.AccountID, op.AssetPairID, op.Volume, op.Price); err != nil {
			logging.Error(ctx, "failed to submit settlement saga", "operation_id", op.OperationID, "error", err)
		}
	}

	s.publishEvent(ctx, domain.EventTypeSpecialOrderExecuted, op.OperationID, domain.SpecialOrderExecutedEvent{
		OperationID: op.OperationID,
		AssetPairID: op.AssetPairID,
		Volume:      op.Volume,
		Price:       op.Price,
		ProviderID:  op.ProviderID,
		ExecutedAt:  time.Now(),
	})
	return s.finishSpecial(ctx, op)
}

// HandleCancelSpecialLiquidation 运营取消：回收 Closing 标记并使
// 父流程失败
func (s *LiquidationSaga) HandleCancelSpecialLiquidation(ctx context.Context, cmd *domain.CancelSpecialLiquidationCommand) error {
	op, err := s.loadSpecial(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if op == nil {
		return domain.ErrOperationNotFound
	}
	if op.IsTerminal() {
		s.dropDuplicate(ctx, "CancelSpecialLiquidation", cmd.OperationID)
		return nil
	}

	if err := op.Cancel(ctx, cmd.Reason); err != nil {
		return err
	}
	if err := s.saveSpecial(ctx, op); err != nil {
		return err
	}
	s.metrics.SpecialLiquidations.Dec()
	s.sendCommand(ctx, domain.TopicFailLiquidation, op.ParentID, &domain.FailLiquidationCommand{
		OperationID: op.ParentID,
		Reason:      fmt.Sprintf("special liquidation cancelled: %s", cmd.Reason),
	})
	return nil
}

// PauseSpecialLiquidation 运营暂停，等待人工价格审批
func (s *LiquidationSaga) PauseSpecialLiquidation(ctx context.Context, operationID string) error {
	op, err := s.loadSpecial(ctx, operationID)
	if err != nil {
		return err
	}
	if op == nil {
		return domain.ErrOperationNotFound
	}
	if err := op.Pause(ctx); err != nil {
		return err
	}
	return s.saveSpecial(ctx, op)
}

// HandleResumePausedSpecialLiquidation 恢复暂停中的子流程并重新询价
func (s *LiquidationSaga) HandleResumePausedSpecialLiquidation(ctx context.Context, cmd *domain.ResumePausedSpecialLiquidationCommand) error {
	op, err := s.loadSpecial(ctx, cmd.OperationID)
	if err != nil {
		return err
	}
	if op == nil {
		return domain.ErrOperationNotFound
	}
	if op.IsTerminal() {
		s.dropDuplicate(ctx, "ResumePausedSpecialLiquidation", cmd.OperationID)
		return nil
	}

	if err := op.ResumePaused(ctx); err != nil {
		return err
	}
	if err := s.syncFromLedger(ctx, op); err != nil {
		return err
	}
	if op.Volume.IsZero() {
		return s.finishSpecial(ctx, op)
	}
	return s.requestPrice(ctx, op)
}

// requestPrice 发出一次询价并排定对应的超时命令
func (s *LiquidationSaga) requestPrice(ctx context.Context, op *domain.SpecialLiquidationOperationData) error {
	requestNumber := op.NextRequestNumber()
	if err := op.RequestPrice(ctx); err != nil {
		return err
	}
	if err := s.saveSpecial(ctx, op); err != nil {
		return err
	}

	if err := s.requester.RequestPrice(ctx, op.ProviderID, op.AssetPairID, op.Volume, op.OperationID, requestNumber); err != nil {
		logging.Warn(ctx, "price request dispatch failed, waiting for timeout",
			"operation_id", op.OperationID, "request_number", requestNumber, "error", err)
	}

	s.sendCommand(ctx, domain.TopicGetPriceForSpecialLiquidation, op.OperationID, &domain.GetPriceForSpecialLiquidationCommand{
		OperationID:   op.OperationID,
		AssetPairID:   op.AssetPairID,
		Volume:        op.Volume,
		RequestNumber: requestNumber,
	})
	s.commands.SendAfter(s.config.PriceRequestTimeout, domain.TopicGetPriceForSpecialLiquidationTimeout, op.OperationID, &domain.GetPriceForSpecialLiquidationTimeoutCommand{
		OperationID:   op.OperationID,
		RequestNumber: requestNumber,
	})
	return nil
}

func (s *LiquidationSaga) finishSpecial(ctx context.Context, op *domain.SpecialLiquidationOperationData) error {
	if err := op.Finish(ctx); err != nil {
		return err
	}
	if err := s.saveSpecial(ctx, op); err != nil {
		return err
	}
	s.metrics.SpecialLiquidations.Dec()
	s.resumeParent(ctx, op)
	return nil
}

func (s *LiquidationSaga) failSpecial(ctx context.Context, op *domain.SpecialLiquidationOperationData, reason string) error {
	if err := s.ledger.CancelClosing(ctx, op.PositionIDs); err != nil {
		logging.Error(ctx, "failed to revert closing positions", "operation_id", op.OperationID, "error", err)
	}
	if err := op.Fail(ctx, reason); err != nil {
		return err
	}
	if err := s.saveSpecial(ctx, op); err != nil {
		return err
	}
	s.metrics.SpecialLiquidations.Dec()
	s.sendCommand(ctx, domain.TopicFailLiquidation, op.ParentID, &domain.FailLiquidationCommand{
		OperationID: op.ParentID,
		Reason:      reason,
	})
	return nil
}

func (s *LiquidationSaga) resumeParent(ctx context.Context, op *domain.SpecialLiquidationOperationData) {
	if op.ParentID == "" {
		return
	}
	s.sendCommand(ctx, domain.TopicResumeLiquidation, op.ParentID, &domain.ResumeLiquidationCommand{OperationID: op.ParentID})
}

// syncFromLedger 以台账实时数据重算持仓集合与净量
func (s *LiquidationSaga) syncFromLedger(ctx context.Context, op *domain.SpecialLiquidationOperationData) error {
	positions, err := s.ledger.GetPositions(ctx, op.PositionIDs)
	if err != nil {
		return fmt.Errorf("failed to load positions for sync: %w", err)
	}
	live := make([]domain.PositionVolume, 0, len(positions))
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		live = append(live, domain.PositionVolume{PositionID: p.ID, Volume: p.Volume})
	}
	if changed := op.Sync(live); changed {
		logging.Info(ctx, "special liquidation volume resynced",
			"operation_id", op.OperationID, "volume", op.Volume.String(), "positions", len(op.PositionIDs))
	}
	return nil
}

func (s *LiquidationSaga) loadSpecial(ctx context.Context, operationID string) (*domain.SpecialLiquidationOperationData, error) {
	record, err := s.ops.FindByID(ctx, operationID)
	if err != nil || record == nil {
		return nil, err
	}
	info, err := domain.UnwrapOperation[domain.SpecialLiquidationOperationData](record)
	if err != nil {
		return nil, err
	}
	data := info.Data
	data.InitFSM()
	return &data, nil
}

func (s *LiquidationSaga) saveSpecial(ctx context.Context, op *domain.SpecialLiquidationOperationData) error {
	record, err := domain.WrapOperation(domain.OperationNameSpecialLiquidation, op.OperationID, op.AccountID, op.AssetPairID, string(op.State), op)
	if err != nil {
		return err
	}
	return s.ops.Save(ctx, record)
}

// parentOperationID 特殊强平 ID 约定为 "<parent>-special-<suffix>"
func parentOperationID(specialID string) string {
	if i := strings.LastIndex(specialID, "-special-"); i > 0 {
		return specialID[:i]
	}
	return ""
}
