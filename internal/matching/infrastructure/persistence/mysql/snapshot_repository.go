package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/margintrading/internal/matching/domain"
)

// BookSnapshotRepository 订单簿快照仓储的 MySQL 实现
type BookSnapshotRepository struct {
	db *gorm.DB
}

// NewBookSnapshotRepository 构造函数。
func NewBookSnapshotRepository(db *gorm.DB) *BookSnapshotRepository {
	return &BookSnapshotRepository{db: db}
}

// Save 写入快照
func (r *BookSnapshotRepository) Save(ctx context.Context, snapshot *domain.BookSnapshot) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

// FindLatest 返回品种最新快照，无快照时返回 (nil, nil)
func (r *BookSnapshotRepository) FindLatest(ctx context.Context, assetPairID string) (*domain.BookSnapshot, error) {
	var snapshot domain.BookSnapshot
	err := r.db.WithContext(ctx).
		Where("asset_pair_id = ?", assetPairID).
		Order("taken_at DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListAssetPairs 列出有快照的全部品种
func (r *BookSnapshotRepository) ListAssetPairs(ctx context.Context) ([]string, error) {
	var pairs []string
	err := r.db.WithContext(ctx).
		Model(&domain.BookSnapshot{}).
		Distinct("asset_pair_id").
		Pluck("asset_pair_id", &pairs).Error
	return pairs, err
}

// PruneBefore 清理过期快照
func (r *BookSnapshotRepository) PruneBefore(ctx context.Context, assetPairID string, before time.Time) error {
	return r.db.WithContext(ctx).
		Where("asset_pair_id = ? AND taken_at < ?", assetPairID, before).
		Delete(&domain.BookSnapshot{}).Error
}
