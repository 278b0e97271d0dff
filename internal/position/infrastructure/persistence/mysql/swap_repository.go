package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/margintrading/internal/position/domain"
)

// SwapRepository 隔夜利息仓储的 MySQL 实现
type SwapRepository struct {
	db *gorm.DB
}

// NewSwapRepository 构造函数。
func NewSwapRepository(db *gorm.DB) *SwapRepository {
	return &SwapRepository{db: db}
}

// FindByOpenOrderID 按开仓订单查询，无记录时返回 (nil, nil)
func (r *SwapRepository) FindByOpenOrderID(ctx context.Context, openOrderID string) (*domain.OvernightSwapCalculation, error) {
	var calc domain.OvernightSwapCalculation
	err := r.db.WithContext(ctx).Where("open_order_id = ?", openOrderID).First(&calc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &calc, nil
}

// Save 写入或更新计算结果
func (r *SwapRepository) Save(ctx context.Context, calc *domain.OvernightSwapCalculation) error {
	return r.db.WithContext(ctx).Save(calc).Error
}

// LastCalculatedAt 全表最近一次计提时刻，无记录时返回零值
func (r *SwapRepository) LastCalculatedAt(ctx context.Context) (time.Time, error) {
	var last sql.NullTime
	err := r.db.WithContext(ctx).Model(&domain.OvernightSwapCalculation{}).
		Select("MAX(last_calculated_at)").Scan(&last).Error
	if err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}
