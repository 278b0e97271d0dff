package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 清算分录状态
const (
	SettlementEntryCharged  = "CHARGED"
	SettlementEntryArchived = "ARCHIVED"
	SettlementEntryReversed = "REVERSED"
)

// SettlementEntry 特殊强平成交的清算分录。由 DTM saga 回调写入，
// 补偿分支将状态翻转为 REVERSED 而不是物理删除。
type SettlementEntry struct {
	ID          uint            `gorm:"primarykey" json:"id"`
	OperationID string          `gorm:"type:varchar(64);index;not null" json:"operation_id"`
	AccountID   string          `gorm:"type:varchar(64);index;not null" json:"account_id"`
	AssetPairID string          `gorm:"type:varchar(32);not null" json:"asset_pair_id"`
	Volume      decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"volume"`
	Price       decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"price"`
	Amount      decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"amount"`
	Status      string          `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TableName GORM 表名
func (SettlementEntry) TableName() string {
	return "settlement_entries"
}
