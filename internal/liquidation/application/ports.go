// Package application 强平 saga 的编排逻辑
package application

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	matchdomain "github.com/wyfcoding/margintrading/internal/matching/domain"
	posdomain "github.com/wyfcoding/margintrading/internal/position/domain"
)

// CommandBus 命令出口。SendAfter 用于询价超时命令，kafka 本身
// 不支持延迟投递。
type CommandBus interface {
	Send(ctx context.Context, topic string, key string, cmd any) error
	SendAfter(delay time.Duration, topic string, key string, cmd any)
}

// EventPublisher 生命周期事件出口
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, key string, event any) error
}

// PositionLedger 持仓台账入口。saga 绝不直接改持仓，
// 一切变更经由台账。
type PositionLedger interface {
	GetPositions(ctx context.Context, ids []string) ([]*posdomain.Position, error)
	GetOpenPositionsByPair(ctx context.Context, accountID, assetPairID string) ([]*posdomain.Position, error)
	TryStartClosing(ctx context.Context, positionIDs []string) error
	CancelClosing(ctx context.Context, positionIDs []string) error
	ApplyFill(ctx context.Context, positionID string, fillVolume, fillPrice decimal.Decimal) (*posdomain.FillResult, error)
	ClosePosition(ctx context.Context, positionID string, closePrice decimal.Decimal, reason posdomain.CloseReason) error
}

// MatchExecutor 撮合入口
type MatchExecutor interface {
	ExecuteMatch(ctx context.Context, order *matchdomain.Order, shouldOpenNewPosition bool, modality matchdomain.MatchingModality) (*matchdomain.MatchedOrderCollection, error)
	GetPriceForClose(ctx context.Context, assetPairID string, volume decimal.Decimal, providerID string) (decimal.Decimal, error)
}

// PriceRequester 特殊强平的外部询价出口（RFQ）
type PriceRequester interface {
	RequestPrice(ctx context.Context, providerID, assetPairID string, volume decimal.Decimal, operationID string, requestNumber int) error
}

// TradeSettler 成交后的清算出口
type TradeSettler interface {
	SettleSpecialTrade(ctx context.Context, operationID, accountID, assetPairID string, volume, price decimal.Decimal) error
}
