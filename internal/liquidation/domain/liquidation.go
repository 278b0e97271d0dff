package domain

import (
	"context"
	"time"

	"github.com/wyfcoding/pkg/fsm"
)

// OperationNameLiquidation 主强平操作名
const OperationNameLiquidation = "liquidation"

// LiquidationState 主流程状态
type LiquidationState string

const (
	LiquidationStateStarted    LiquidationState = "STARTED"
	LiquidationStateProcessing LiquidationState = "PROCESSING"
	LiquidationStateSpecial    LiquidationState = "SPECIAL"
	LiquidationStateFinished   LiquidationState = "FINISHED"
	LiquidationStateFailed     LiquidationState = "FAILED"
)

// LiquidationTerminalStates 终态集合
var LiquidationTerminalStates = []string{
	string(LiquidationStateFinished),
	string(LiquidationStateFailed),
}

// LiquidationOperationData 主强平 saga 负载，按值持久化
type LiquidationOperationData struct {
	OperationID string           `json:"operation_id"`
	AccountID   string           `json:"account_id"`
	AssetPairID string           `json:"asset_pair_id"`
	Direction   string           `json:"direction"`
	Type        LiquidationType  `json:"type"`
	Originator  string           `json:"originator"`
	State       LiquidationState `json:"state"`
	// ProcessedPositionIDs 已尝试平仓的持仓
	ProcessedPositionIDs []string `json:"processed_position_ids"`
	// LiquidatedPositionIDs 已成功平掉的持仓
	LiquidatedPositionIDs []string `json:"liquidated_position_ids"`
	// PendingPositionIDs 尚未处理或等待特殊强平的持仓
	PendingPositionIDs []string   `json:"pending_position_ids"`
	FailReason         string     `json:"fail_reason"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at"`

	machine *fsm.Machine[string, string]
}

// NewLiquidationOperation 创建主强平操作
func NewLiquidationOperation(operationID, accountID, assetPairID, direction string, positionIDs []string, typ LiquidationType, originator string) *LiquidationOperationData {
	d := &LiquidationOperationData{
		OperationID:        operationID,
		AccountID:          accountID,
		AssetPairID:        assetPairID,
		Direction:          direction,
		Type:               typ,
		Originator:         originator,
		State:              LiquidationStateStarted,
		PendingPositionIDs: positionIDs,
		StartedAt:          time.Now(),
	}
	d.initFSM()
	return d
}

func (d *LiquidationOperationData) initFSM() {
	m := fsm.NewMachine[string, string](string(d.State))
	m.AddTransition(string(LiquidationStateStarted), "PROCESS", string(LiquidationStateProcessing))
	m.AddTransition(string(LiquidationStateStarted), "FAIL", string(LiquidationStateFailed))
	m.AddTransition(string(LiquidationStateProcessing), "ESCALATE", string(LiquidationStateSpecial))
	m.AddTransition(string(LiquidationStateProcessing), "FINISH", string(LiquidationStateFinished))
	m.AddTransition(string(LiquidationStateProcessing), "FAIL", string(LiquidationStateFailed))
	m.AddTransition(string(LiquidationStateSpecial), "RESUME", string(LiquidationStateProcessing))
	m.AddTransition(string(LiquidationStateSpecial), "FINISH", string(LiquidationStateFinished))
	m.AddTransition(string(LiquidationStateSpecial), "FAIL", string(LiquidationStateFailed))
	d.machine = m
}

// InitFSM 反序列化后恢复状态机
func (d *LiquidationOperationData) InitFSM() {
	if d.machine == nil {
		d.initFSM()
	}
}

// IsTerminal 是否已终结
func (d *LiquidationOperationData) IsTerminal() bool {
	return d.State == LiquidationStateFinished || d.State == LiquidationStateFailed
}

// StartProcessing 进入常规平仓阶段
func (d *LiquidationOperationData) StartProcessing(ctx context.Context) error {
	return d.trigger(ctx, "PROCESS", LiquidationStateProcessing)
}

// Escalate 内部流动性不足，升级到特殊强平
func (d *LiquidationOperationData) Escalate(ctx context.Context, unmatchedPositionIDs []string) error {
	if err := d.trigger(ctx, "ESCALATE", LiquidationStateSpecial); err != nil {
		return err
	}
	d.PendingPositionIDs = unmatchedPositionIDs
	return nil
}

// Resume 特殊强平结束，回到主流程
func (d *LiquidationOperationData) Resume(ctx context.Context) error {
	return d.trigger(ctx, "RESUME", LiquidationStateProcessing)
}

// Finish 正常完成
func (d *LiquidationOperationData) Finish(ctx context.Context) error {
	if err := d.trigger(ctx, "FINISH", LiquidationStateFinished); err != nil {
		return err
	}
	now := time.Now()
	d.FinishedAt = &now
	return nil
}

// Fail 终止。调用方必须先对 Closing 持仓执行 CancelClosing。
func (d *LiquidationOperationData) Fail(ctx context.Context, reason string) error {
	if err := d.trigger(ctx, "FAIL", LiquidationStateFailed); err != nil {
		return err
	}
	d.FailReason = reason
	now := time.Now()
	d.FinishedAt = &now
	return nil
}

// MarkProcessed 记录一个持仓的处理结果
func (d *LiquidationOperationData) MarkProcessed(positionID string, liquidated bool) {
	d.ProcessedPositionIDs = append(d.ProcessedPositionIDs, positionID)
	if liquidated {
		d.LiquidatedPositionIDs = append(d.LiquidatedPositionIDs, positionID)
	}
	for i, id := range d.PendingPositionIDs {
		if id == positionID {
			d.PendingPositionIDs = append(d.PendingPositionIDs[:i], d.PendingPositionIDs[i+1:]...)
			break
		}
	}
}

func (d *LiquidationOperationData) trigger(ctx context.Context, event string, target LiquidationState) error {
	d.InitFSM()
	if err := d.machine.Trigger(ctx, event); err != nil {
		return ErrInvalidOperationState
	}
	d.State = target
	return nil
}
