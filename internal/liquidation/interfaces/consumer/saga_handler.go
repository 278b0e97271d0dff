// Package consumer 强平命令主题的 Kafka 消费入口
package consumer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wyfcoding/margintrading/internal/liquidation/application"
	"github.com/wyfcoding/margintrading/internal/liquidation/domain"
	"github.com/wyfcoding/margintrading/pkg/mq"
)

// SagaCommandTopics 本处理器订阅的全部命令主题
var SagaCommandTopics = []string{
	domain.TopicStartLiquidation,
	domain.TopicLiquidatePositions,
	domain.TopicResumeLiquidation,
	domain.TopicFailLiquidation,
	domain.TopicFinishLiquidation,
	domain.TopicStartSpecialLiquidation,
	domain.TopicGetPriceForSpecialLiquidationTimeout,
	domain.TopicExecuteSpecialLiquidationOrder,
	domain.TopicCancelSpecialLiquidation,
	domain.TopicResumePausedSpecialLiquidation,
}

// SagaCommandHandler 按主题把命令分发给对应的 saga 处理器
type SagaCommandHandler struct {
	saga   *application.LiquidationSaga
	logger *slog.Logger
}

// NewSagaCommandHandler 构造函数。
func NewSagaCommandHandler(saga *application.LiquidationSaga, logger *slog.Logger) *SagaCommandHandler {
	return &SagaCommandHandler{saga: saga, logger: logger.With("module", "liquidation_consumer")}
}

// Handle 实现 mq.Handler。业务性拒绝(重复、状态不符)记告警后
// 吞掉，避免把正常的并发竞态打进死信队列。
func (h *SagaCommandHandler) Handle(ctx context.Context, msg *mq.Message) error {
	var err error
	switch msg.Topic {
	case domain.TopicStartLiquidation:
		var cmd domain.StartLiquidationCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.StartLiquidation(ctx, &cmd)
		}
	case domain.TopicLiquidatePositions:
		var cmd domain.LiquidatePositionsCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.HandleLiquidatePositions(ctx, &cmd)
		}
	case domain.TopicResumeLiquidation:
		var cmd domain.ResumeLiquidationCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.HandleResumeLiquidation(ctx, &cmd)
		}
	case domain.TopicFailLiquidation:
		var cmd domain.FailLiquidationCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.HandleFailLiquidation(ctx, &cmd)
		}
	case domain.TopicFinishLiquidation:
		var cmd domain.FinishLiquidationCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.HandleFinishLiquidation(ctx, &cmd)
		}
	case domain.TopicStartSpecialLiquidation:
		var cmd domain.StartSpecialLiquidationCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.HandleStartSpecialLiquidation(ctx, &cmd)
		}
	case domain.TopicGetPriceForSpecialLiquidationTimeout:
		var cmd domain.GetPriceForSpecialLiquidationTimeoutCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.HandleGetPriceTimeout(ctx, &cmd)
		}
	case domain.TopicExecuteSpecialLiquidationOrder:
		var cmd domain.ExecuteSpecialLiquidationOrderCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.HandleExecuteSpecialOrder(ctx, &cmd)
		}
	case domain.TopicCancelSpecialLiquidation:
		var cmd domain.CancelSpecialLiquidationCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.HandleCancelSpecialLiquidation(ctx, &cmd)
		}
	case domain.TopicResumePausedSpecialLiquidation:
		var cmd domain.ResumePausedSpecialLiquidationCommand
		if err = msg.UnmarshalPayload(&cmd); err == nil {
			err = h.saga.HandleResumePausedSpecialLiquidation(ctx, &cmd)
		}
	default:
		h.logger.WarnContext(ctx, "unknown liquidation command topic", "topic", msg.Topic)
		return nil
	}

	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrAlreadyInProgress) ||
		errors.Is(err, domain.ErrNotPaused) ||
		errors.Is(err, domain.ErrOperationNotFound) ||
		errors.Is(err, domain.ErrInvalidOperationState) {
		h.logger.WarnContext(ctx, "liquidation command rejected",
			"topic", msg.Topic, "key", msg.Key, "reason", err)
		return nil
	}
	return err
}
