// Package mysql 强平 saga 记录的 GORM 持久化实现
package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/wyfcoding/margintrading/internal/liquidation/domain"
)

// OperationRepository saga 记录仓储的 MySQL 实现
type OperationRepository struct {
	db *gorm.DB
}

// NewOperationRepository 构造函数。
func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// Save 按值覆盖保存快照
func (r *OperationRepository) Save(ctx context.Context, record *domain.OperationRecord) error {
	return r.db.WithContext(ctx).Save(record).Error
}

// FindByID 不存在时返回 (nil, nil)
func (r *OperationRepository) FindByID(ctx context.Context, id string) (*domain.OperationRecord, error) {
	var record domain.OperationRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindActiveByScope 查找同账户+品种范围内未终结的同名操作
func (r *OperationRepository) FindActiveByScope(ctx context.Context, operationName, accountID, assetPairID string, terminalStates []string) (*domain.OperationRecord, error) {
	var record domain.OperationRecord
	err := r.db.WithContext(ctx).
		Where("operation_name = ? AND account_id = ? AND asset_pair_id = ? AND state NOT IN ?",
			operationName, accountID, assetPairID, terminalStates).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByState 按状态检索
func (r *OperationRepository) FindByState(ctx context.Context, operationName, state string) ([]*domain.OperationRecord, error) {
	var records []*domain.OperationRecord
	err := r.db.WithContext(ctx).
		Where("operation_name = ? AND state = ?", operationName, state).
		Order("last_modified ASC").
		Find(&records).Error
	return records, err
}
