// Package mysql 持仓上下文的 GORM 持久化实现
package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/wyfcoding/margintrading/internal/position/domain"
)

var openStatuses = []domain.PositionStatus{domain.PositionStatusActive, domain.PositionStatusClosing}

// PositionRepository 持仓仓储的 MySQL 实现
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository 构造函数。
func NewPositionRepository(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Save 写入或更新持仓
func (r *PositionRepository) Save(ctx context.Context, position *domain.Position) error {
	return r.db.WithContext(ctx).Save(position).Error
}

// FindByID 按 ID 查询，不存在时返回 (nil, nil)
func (r *PositionRepository) FindByID(ctx context.Context, id string) (*domain.Position, error) {
	var position domain.Position
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &position, nil
}

// FindByIDs 批量查询，缺失的 ID 不报错
func (r *PositionRepository) FindByIDs(ctx context.Context, ids []string) ([]*domain.Position, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var positions []*domain.Position
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&positions).Error
	return positions, err
}

// FindOpenByAccount 账户全部未终结持仓
func (r *PositionRepository) FindOpenByAccount(ctx context.Context, accountID string) ([]*domain.Position, error) {
	var positions []*domain.Position
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND status IN ?", accountID, openStatuses).
		Find(&positions).Error
	return positions, err
}

// FindOpenByAccountAndPair 账户在指定品种上的未终结持仓
func (r *PositionRepository) FindOpenByAccountAndPair(ctx context.Context, accountID, assetPairID string) ([]*domain.Position, error) {
	var positions []*domain.Position
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND asset_pair_id = ? AND status IN ?", accountID, assetPairID, openStatuses).
		Find(&positions).Error
	return positions, err
}

// FindAllOpen 全部未终结持仓（隔夜利息与保证金巡检用）
func (r *PositionRepository) FindAllOpen(ctx context.Context) ([]*domain.Position, error) {
	var positions []*domain.Position
	err := r.db.WithContext(ctx).
		Where("status IN ?", openStatuses).
		Find(&positions).Error
	return positions, err
}
