package domain

import "context"

// AccountRepository 杠杆账户仓储
type AccountRepository interface {
	Save(ctx context.Context, account *MarginAccount) error
	// FindByID 不存在时返回 (nil, nil)
	FindByID(ctx context.Context, id string) (*MarginAccount, error)
	// FindAll 分页列出账户，offset 超界时返回空切片
	FindAll(ctx context.Context, offset, limit int) ([]*MarginAccount, error)
}
