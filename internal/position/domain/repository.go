package domain

import (
	"context"
	"time"
)

// PositionRepository 持仓仓储
type PositionRepository interface {
	Save(ctx context.Context, position *Position) error
	FindByID(ctx context.Context, id string) (*Position, error)
	FindByIDs(ctx context.Context, ids []string) ([]*Position, error)
	// FindOpenByAccount 返回账户全部未终结持仓（Active + Closing）
	FindOpenByAccount(ctx context.Context, accountID string) ([]*Position, error)
	FindOpenByAccountAndPair(ctx context.Context, accountID, assetPairID string) ([]*Position, error)
	FindAllOpen(ctx context.Context) ([]*Position, error)
}

// SwapRepository 隔夜利息仓储
type SwapRepository interface {
	// FindByOpenOrderID 无记录时返回 (nil, nil)
	FindByOpenOrderID(ctx context.Context, openOrderID string) (*OvernightSwapCalculation, error)
	Save(ctx context.Context, calc *OvernightSwapCalculation) error
	// LastCalculatedAt 全表最近一次计提时刻，从未计提时返回零值
	LastCalculatedAt(ctx context.Context) (time.Time, error)
}
