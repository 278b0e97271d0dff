// Package mysql 撮合上下文的 GORM 持久化实现
package mysql

import (
	"context"

	"gorm.io/gorm"

	"github.com/wyfcoding/margintrading/internal/matching/domain"
)

// TradeRepository 成交流水仓储的 MySQL 实现
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository 构造函数。
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// SaveBatch 批量写入成交
func (r *TradeRepository) SaveBatch(ctx context.Context, trades []*domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(trades, 100).Error
}

// FindByOrderID 按订单查询成交
func (r *TradeRepository) FindByOrderID(ctx context.Context, orderID string) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("matched_at ASC").
		Find(&trades).Error
	return trades, err
}

// FindByAccountID 按账户查询最近成交
func (r *TradeRepository) FindByAccountID(ctx context.Context, accountID string, limit int) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("matched_at DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}
