package domain

import (
	"context"
	"encoding/json"
	"time"
)

// OperationExecutionInfo 泛型 saga 记录：操作名、操作 ID（幂等键）、
// 最近变更时间与负载快照。每条命令处理前先按 ID 加载，终态或
// 状态不匹配时处理器直接跳过，以此容忍至少一次投递。
type OperationExecutionInfo[T any] struct {
	OperationName string
	ID            string
	LastModified  time.Time
	Data          T
}

// OperationRecord OperationExecutionInfo 的持久化形态，负载按值序列化
type OperationRecord struct {
	ID            string    `gorm:"column:id;type:varchar(64);primarykey"`
	OperationName string    `gorm:"column:operation_name;type:varchar(64);index"`
	AccountID     string    `gorm:"column:account_id;type:varchar(64);index:idx_scope"`
	AssetPairID   string    `gorm:"column:asset_pair_id;type:varchar(32);index:idx_scope"`
	State         string    `gorm:"column:state;type:varchar(32);index"`
	Payload       string    `gorm:"column:payload;type:text"`
	LastModified  time.Time `gorm:"column:last_modified"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName 指定表名
func (OperationRecord) TableName() string {
	return "operation_execution_infos"
}

// WrapOperation 将聚合快照打包为持久化记录
func WrapOperation[T any](name, id, accountID, assetPairID, state string, data T) (*OperationRecord, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &OperationRecord{
		ID:            id,
		OperationName: name,
		AccountID:     accountID,
		AssetPairID:   assetPairID,
		State:         state,
		Payload:       string(payload),
		LastModified:  time.Now(),
	}, nil
}

// UnwrapOperation 从持久化记录还原聚合快照
func UnwrapOperation[T any](record *OperationRecord) (*OperationExecutionInfo[T], error) {
	var data T
	if err := json.Unmarshal([]byte(record.Payload), &data); err != nil {
		return nil, err
	}
	return &OperationExecutionInfo[T]{
		OperationName: record.OperationName,
		ID:            record.ID,
		LastModified:  record.LastModified,
		Data:          data,
	}, nil
}

// OperationRepository saga 记录仓储。记录终态后永不删除，
// 留作重放判重。
type OperationRepository interface {
	Save(ctx context.Context, record *OperationRecord) error
	// FindByID 不存在时返回 (nil, nil)
	FindByID(ctx context.Context, id string) (*OperationRecord, error)
	// FindActiveByScope 查找同账户+品种范围内未终结的同名操作
	FindActiveByScope(ctx context.Context, operationName, accountID, assetPairID string, terminalStates []string) (*OperationRecord, error)
	// FindByState 按状态检索（监控与恢复用）
	FindByState(ctx context.Context, operationName, state string) ([]*OperationRecord, error)
}
