// Package mysql 杠杆账户的 GORM 持久化实现
package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/wyfcoding/margintrading/internal/risk/domain"
)

// AccountRepository 杠杆账户仓储的 MySQL 实现
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository 构造函数。
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Save 创建或覆盖账户
func (r *AccountRepository) Save(ctx context.Context, account *domain.MarginAccount) error {
	return r.db.WithContext(ctx).Save(account).Error
}

// FindByID 不存在时返回 (nil, nil)
func (r *AccountRepository) FindByID(ctx context.Context, id string) (*domain.MarginAccount, error) {
	var account domain.MarginAccount
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// FindAll 按 ID 稳定排序分页
func (r *AccountRepository) FindAll(ctx context.Context, offset, limit int) ([]*domain.MarginAccount, error) {
	var accounts []*domain.MarginAccount
	err := r.db.WithContext(ctx).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
