package application

import (
	"context"
	"fmt"

	"github.com/wyfcoding/margintrading/internal/risk/domain"
)

// MarginQueryService 保证金查询。按需实时核算，不依赖巡检缓存。
type MarginQueryService struct {
	accounts domain.AccountRepository
	monitor  *MarginMonitor
}

// NewMarginQueryService 构造函数。
func NewMarginQueryService(accounts domain.AccountRepository, monitor *MarginMonitor) *MarginQueryService {
	return &MarginQueryService{accounts: accounts, monitor: monitor}
}

// GetMarginSnapshot 实时核算一个账户的保证金水平
func (s *MarginQueryService) GetMarginSnapshot(ctx context.Context, accountID string) (*domain.MarginSnapshot, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("margin account %s not found", accountID)
	}
	return s.monitor.CheckAccount(ctx, account)
}

// UpsertAccount 创建或更新杠杆账户
func (s *MarginQueryService) UpsertAccount(ctx context.Context, account *domain.MarginAccount) error {
	if account.ID == "" {
		return fmt.Errorf("account id is required")
	}
	if !account.Leverage.IsPositive() {
		return fmt.Errorf("leverage must be positive, got %s", account.Leverage)
	}
	return s.accounts.Save(ctx, account)
}
