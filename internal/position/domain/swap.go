package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OvernightSwapCalculation 隔夜利息计算结果，以开仓订单为键。
// 同一订单的多次计算累加而不是覆盖，重算或补算不会丢失已计的
// 利息。失败状态随累加传播，失败原因保留用于审计。
type OvernightSwapCalculation struct {
	ID uint `gorm:"primarykey"`
	// OpenOrderID 开仓订单 ID，每个订单一条记录
	OpenOrderID string          `gorm:"column:open_order_id;type:varchar(64);uniqueIndex"`
	Value       decimal.Decimal `gorm:"column:value;type:decimal(28,10)"`
	IsSuccess   bool            `gorm:"column:is_success"`
	// FailureReason 最近一次失败的原因
	FailureReason    string    `gorm:"column:failure_reason;type:varchar(255)"`
	LastCalculatedAt time.Time `gorm:"column:last_calculated_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

// TableName 指定表名
func (OvernightSwapCalculation) TableName() string {
	return "overnight_swap_calculations"
}

// NewSwapCalculation 单日计算结果
func NewSwapCalculation(openOrderID string, value decimal.Decimal, asOf time.Time) *OvernightSwapCalculation {
	return &OvernightSwapCalculation{
		OpenOrderID:      openOrderID,
		Value:            value,
		IsSuccess:        true,
		LastCalculatedAt: asOf,
		UpdatedAt:        time.Now(),
	}
}

// NewFailedSwapCalculation 失败的计算结果，Value 为零
func NewFailedSwapCalculation(openOrderID, reason string, asOf time.Time) *OvernightSwapCalculation {
	return &OvernightSwapCalculation{
		OpenOrderID:      openOrderID,
		IsSuccess:        false,
		FailureReason:    reason,
		LastCalculatedAt: asOf,
		UpdatedAt:        time.Now(),
	}
}

// Update 并入一次新的计算：Value 累加，任一方失败则整体为失败。
func (c *OvernightSwapCalculation) Update(next *OvernightSwapCalculation) {
	c.Value = c.Value.Add(next.Value)
	if !next.IsSuccess {
		c.IsSuccess = false
		c.FailureReason = next.FailureReason
	}
	c.LastCalculatedAt = next.LastCalculatedAt
	c.UpdatedAt = time.Now()
}
