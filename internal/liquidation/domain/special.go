package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/fsm"
)

// OperationNameSpecialLiquidation 特殊强平操作名
const OperationNameSpecialLiquidation = "special_liquidation"

// SpecialState 特殊强平状态
type SpecialState string

const (
	SpecialStateStarted        SpecialState = "STARTED"
	SpecialStatePriceRequested SpecialState = "PRICE_REQUESTED"
	SpecialStatePaused         SpecialState = "PAUSED"
	SpecialStateExecuting      SpecialState = "EXECUTING"
	SpecialStateFinished       SpecialState = "FINISHED"
	SpecialStateFailed         SpecialState = "FAILED"
	SpecialStateCancelled      SpecialState = "CANCELLED"
)

// SpecialTerminalStates 终态集合
var SpecialTerminalStates = []string{
	string(SpecialStateFinished),
	string(SpecialStateFailed),
	string(SpecialStateCancelled),
}

// PositionVolume 台账中持仓的当前量
type PositionVolume struct {
	PositionID string
	Volume     decimal.Decimal
}

// SpecialLiquidationOperationData 特殊强平 saga 负载。
// Volume 恒等于 -Σ(当前 PositionIds 的持仓量)，每次重试前必须
// Sync 重算，绝不以创建时的快照成交。
type SpecialLiquidationOperationData struct {
	OperationID string          `json:"operation_id"`
	ParentID    string          `json:"parent_id"`
	AccountID   string          `json:"account_id"`
	AssetPairID string          `json:"asset_pair_id"`
	PositionIDs []string        `json:"position_ids"`
	Volume      decimal.Decimal `json:"volume"`
	Price       decimal.Decimal `json:"price"`
	ProviderID  string          `json:"provider_id"`
	// RequestNumber 询价请求序号，超时重试时递增；
	// 迟到的旧序号响应被丢弃
	RequestNumber int          `json:"request_number"`
	State         SpecialState `json:"state"`
	FailReason    string       `json:"fail_reason"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    *time.Time   `json:"finished_at"`

	machine *fsm.Machine[string, string]
}

// NewSpecialLiquidationOperation 创建特殊强平操作
func NewSpecialLiquidationOperation(operationID, parentID, accountID, assetPairID, providerID string, positionIDs []string) *SpecialLiquidationOperationData {
	d := &SpecialLiquidationOperationData{
		OperationID: operationID,
		ParentID:    parentID,
		AccountID:   accountID,
		AssetPairID: assetPairID,
		ProviderID:  providerID,
		PositionIDs: positionIDs,
		State:       SpecialStateStarted,
		StartedAt:   time.Now(),
	}
	d.initFSM()
	return d
}

func (d *SpecialLiquidationOperationData) initFSM() {
	m := fsm.NewMachine[string, string](string(d.State))
	m.AddTransition(string(SpecialStateStarted), "REQUEST_PRICE", string(SpecialStatePriceRequested))
	m.AddTransition(string(SpecialStateStarted), "FINISH", string(SpecialStateFinished))
	m.AddTransition(string(SpecialStateStarted), "FAIL", string(SpecialStateFailed))
	m.AddTransition(string(SpecialStateStarted), "CANCEL", string(SpecialStateCancelled))
	m.AddTransition(string(SpecialStatePriceRequested), "REQUEST_PRICE", string(SpecialStatePriceRequested))
	m.AddTransition(string(SpecialStatePriceRequested), "PAUSE", string(SpecialStatePaused))
	m.AddTransition(string(SpecialStatePriceRequested), "EXECUTE", string(SpecialStateExecuting))
	m.AddTransition(string(SpecialStatePriceRequested), "FINISH", string(SpecialStateFinished))
	m.AddTransition(string(SpecialStatePriceRequested), "FAIL", string(SpecialStateFailed))
	m.AddTransition(string(SpecialStatePriceRequested), "CANCEL", string(SpecialStateCancelled))
	m.AddTransition(string(SpecialStatePaused), "RESUME", string(SpecialStatePriceRequested))
	m.AddTransition(string(SpecialStatePaused), "CANCEL", string(SpecialStateCancelled))
	m.AddTransition(string(SpecialStateExecuting), "FINISH", string(SpecialStateFinished))
	m.AddTransition(string(SpecialStateExecuting), "FAIL", string(SpecialStateFailed))
	d.machine = m
}

// InitFSM 反序列化后恢复状态机
func (d *SpecialLiquidationOperationData) InitFSM() {
	if d.machine == nil {
		d.initFSM()
	}
}

// IsTerminal 是否已终结
func (d *SpecialLiquidationOperationData) IsTerminal() bool {
	switch d.State {
	case SpecialStateFinished, SpecialStateFailed, SpecialStateCancelled:
		return true
	}
	return false
}

// NextRequestNumber 递增并返回询价请求序号
func (d *SpecialLiquidationOperationData) NextRequestNumber() int {
	d.RequestNumber++
	return d.RequestNumber
}

// Sync 以台账中的实时持仓重算 PositionIds 与 Volume。已关闭或
// 不在 live 集合中的持仓被剔除，Volume = -Σ(剩余持仓量)。
// 返回 Volume 是否发生变化。
func (d *SpecialLiquidationOperationData) Sync(live []PositionVolume) bool {
	byID := make(map[string]decimal.Decimal, len(live))
	for _, pv := range live {
		byID[pv.PositionID] = pv.Volume
	}

	remaining := make([]string, 0, len(d.PositionIDs))
	total := decimal.Zero
	for _, id := range d.PositionIDs {
		volume, ok := byID[id]
		if !ok || volume.IsZero() {
			continue
		}
		remaining = append(remaining, id)
		total = total.Add(volume)
	}

	newVolume := total.Neg()
	changed := !newVolume.Equal(d.Volume)
	d.PositionIDs = remaining
	d.Volume = newVolume
	return changed
}

// RequestPrice 进入（或保持）询价状态
func (d *SpecialLiquidationOperationData) RequestPrice(ctx context.Context) error {
	return d.trigger(ctx, "REQUEST_PRICE", SpecialStatePriceRequested)
}

// Pause 暂停，等待人工价格审批
func (d *SpecialLiquidationOperationData) Pause(ctx context.Context) error {
	return d.trigger(ctx, "PAUSE", SpecialStatePaused)
}

// ResumePaused 恢复暂停中的操作，不在暂停状态时返回 ErrNotPaused
func (d *SpecialLiquidationOperationData) ResumePaused(ctx context.Context) error {
	if d.State != SpecialStatePaused {
		return ErrNotPaused
	}
	return d.trigger(ctx, "RESUME", SpecialStatePriceRequested)
}

// Execute 价格到位，进入成交阶段
func (d *SpecialLiquidationOperationData) Execute(ctx context.Context, price decimal.Decimal, providerID string) error {
	if err := d.trigger(ctx, "EXECUTE", SpecialStateExecuting); err != nil {
		return err
	}
	d.Price = price
	if providerID != "" {
		d.ProviderID = providerID
	}
	return nil
}

// Finish 完成（含 Volume 收敛到零的无成交完成）
func (d *SpecialLiquidationOperationData) Finish(ctx context.Context) error {
	if err := d.trigger(ctx, "FINISH", SpecialStateFinished); err != nil {
		return err
	}
	now := time.Now()
	d.FinishedAt = &now
	return nil
}

// Fail 终止
func (d *SpecialLiquidationOperationData) Fail(ctx context.Context, reason string) error {
	if err := d.trigger(ctx, "FAIL", SpecialStateFailed); err != nil {
		return err
	}
	d.FailReason = reason
	now := time.Now()
	d.FinishedAt = &now
	return nil
}

// Cancel 取消
func (d *SpecialLiquidationOperationData) Cancel(ctx context.Context, reason string) error {
	if err := d.trigger(ctx, "CANCEL", SpecialStateCancelled); err != nil {
		return err
	}
	d.FailReason = reason
	now := time.Now()
	d.FinishedAt = &now
	return nil
}

func (d *SpecialLiquidationOperationData) trigger(ctx context.Context, event string, target SpecialState) error {
	d.InitFSM()
	if err := d.machine.Trigger(ctx, event); err != nil {
		return ErrInvalidOperationState
	}
	d.State = target
	return nil
}
