package application

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/margintrading/internal/liquidation/domain"
	matchdomain "github.com/wyfcoding/margintrading/internal/matching/domain"
	posdomain "github.com/wyfcoding/margintrading/internal/position/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
)

type memOpsRepo struct {
	records map[string]domain.OperationRecord
}

func newMemOpsRepo() *memOpsRepo {
	return &memOpsRepo{records: make(map[string]domain.OperationRecord)}
}

func (r *memOpsRepo) Save(_ context.Context, record *domain.OperationRecord) error {
	r.records[record.ID] = *record
	return nil
}

func (r *memOpsRepo) FindByID(_ context.Context, id string) (*domain.OperationRecord, error) {
	record, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (r *memOpsRepo) FindActiveByScope(_ context.Context, operationName, accountID, assetPairID string, terminalStates []string) (*domain.OperationRecord, error) {
	for _, record := range r.records {
		if record.OperationName != operationName || record.AccountID != accountID || record.AssetPairID != assetPairID {
			continue
		}
		terminal := false
		for _, state := range terminalStates {
			if record.State == state {
				terminal = true
				break
			}
		}
		if !terminal {
			found := record
			return &found, nil
		}
	}
	return nil, nil
}

func (r *memOpsRepo) FindByState(_ context.Context, operationName, state string) ([]*domain.OperationRecord, error) {
	var out []*domain.OperationRecord
	for _, record := range r.records {
		if record.OperationName == operationName && record.State == state {
			found := record
			out = append(out, &found)
		}
	}
	return out, nil
}

type fakeLedger struct {
	positions map[string]*posdomain.Position
	cancelled [][]string
}

func newFakeLedger(positions ...*posdomain.Position) *fakeLedger {
	l := &fakeLedger{positions: make(map[string]*posdomain.Position)}
	for _, p := range positions {
		l.positions[p.ID] = p
	}
	return l
}

func (l *fakeLedger) GetPositions(_ context.Context, ids []string) ([]*posdomain.Position, error) {
	var out []*posdomain.Position
	for _, id := range ids {
		if p, ok := l.positions[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (l *fakeLedger) GetOpenPositionsByPair(_ context.Context, accountID, assetPairID string) ([]*posdomain.Position, error) {
	var out []*posdomain.Position
	for _, p := range l.positions {
		if p.AccountID == accountID && p.AssetPairID == assetPairID && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (l *fakeLedger) TryStartClosing(_ context.Context, positionIDs []string) error {
	var marked []*posdomain.Position
	for _, id := range positionIDs {
		p, ok := l.positions[id]
		if !ok {
			continue
		}
		if err := p.TryStartClosing(); err != nil {
			for _, m := range marked {
				_ = m.CancelClosing()
			}
			return err
		}
		marked = append(marked, p)
	}
	return nil
}

func (l *fakeLedger) CancelClosing(_ context.Context, positionIDs []string) error {
	l.cancelled = append(l.cancelled, positionIDs)
	for _, id := range positionIDs {
		if p, ok := l.positions[id]; ok && p.Status == posdomain.PositionStatusClosing {
			_ = p.CancelClosing()
		}
	}
	return nil
}

func (l *fakeLedger) ApplyFill(_ context.Context, positionID string, fillVolume, fillPrice decimal.Decimal) (*posdomain.FillResult, error) {
	p, ok := l.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	return p.ApplyFill(fillVolume, fillPrice)
}

func (l *fakeLedger) ClosePosition(_ context.Context, positionID string, closePrice decimal.Decimal, reason posdomain.CloseReason) error {
	p, ok := l.positions[positionID]
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	return p.Close(closePrice, reason)
}

type fakeMatcher struct {
	matchFn func(order *matchdomain.Order) *matchdomain.MatchedOrderCollection
}

func (m *fakeMatcher) ExecuteMatch(_ context.Context, order *matchdomain.Order, _ bool, _ matchdomain.MatchingModality) (*matchdomain.MatchedOrderCollection, error) {
	if m.matchFn == nil {
		return matchdomain.NewMatchedOrderCollection(), nil
	}
	return m.matchFn(order), nil
}

func (m *fakeMatcher) GetPriceForClose(_ context.Context, _ string, _ decimal.Decimal, _ string) (decimal.Decimal, error) {
	return decimal.Zero, matchdomain.ErrNoLiquidity
}

type sentCommand struct {
	topic string
	key   string
	cmd   any
}

type fakeBus struct {
	sent      []sentCommand
	scheduled []sentCommand
}

func (b *fakeBus) Send(_ context.Context, topic string, key string, cmd any) error {
	b.sent = append(b.sent, sentCommand{topic: topic, key: key, cmd: cmd})
	return nil
}

func (b *fakeBus) SendAfter(_ time.Duration, topic string, key string, cmd any) {
	b.scheduled = append(b.scheduled, sentCommand{topic: topic, key: key, cmd: cmd})
}

func (b *fakeBus) lastOn(topic string) *sentCommand {
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].topic == topic {
			return &b.sent[i]
		}
	}
	return nil
}

type fakeEvents struct {
	types []string
}

func (e *fakeEvents) Publish(_ context.Context, eventType string, _ string, _ any) error {
	e.types = append(e.types, eventType)
	return nil
}

type fakeRequester struct {
	requestNumbers []int
}

func (r *fakeRequester) RequestPrice(_ context.Context, _, _ string, _ decimal.Decimal, _ string, requestNumber int) error {
	r.requestNumbers = append(r.requestNumbers, requestNumber)
	return nil
}

type fakeSettler struct {
	settledOps []string
}

func (s *fakeSettler) SettleSpecialTrade(_ context.Context, operationID, _, _ string, _, _ decimal.Decimal) error {
	s.settledOps = append(s.settledOps, operationID)
	return nil
}

type sagaFixture struct {
	saga      *LiquidationSaga
	ops       *memOpsRepo
	ledger    *fakeLedger
	matcher   *fakeMatcher
	bus       *fakeBus
	events    *fakeEvents
	requester *fakeRequester
	settler   *fakeSettler
}

func newSagaFixture(ledger *fakeLedger, matcher *fakeMatcher) *sagaFixture {
	f := &sagaFixture{
		ops:       newMemOpsRepo(),
		ledger:    ledger,
		matcher:   matcher,
		bus:       &fakeBus{},
		events:    &fakeEvents{},
		requester: &fakeRequester{},
		settler:   &fakeSettler{},
	}
	f.saga = NewLiquidationSaga(
		f.ops, f.ledger, f.matcher, f.requester, f.settler, f.bus, f.events,
		SagaConfig{PriceRequestTimeout: time.Second, PriceRequestRetries: 2, DefaultProviderID: "lp-1"},
		metrics.New("saga_test"),
		slog.Default(),
	)
	return f
}

func mustPosition(t *testing.T, id string, volume string) *posdomain.Position {
	t.Helper()
	p, err := posdomain.NewPosition(id, "acc-1", "BTC/USDT",
		"open-"+id, decimal.RequireFromString(volume), decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, err)
	return p
}

func fullFillMatcher(price int64) *fakeMatcher {
	return &fakeMatcher{matchFn: func(order *matchdomain.Order) *matchdomain.MatchedOrderCollection {
		c := matchdomain.NewMatchedOrderCollection()
		c.Add(matchdomain.MatchedOrder{
			CounterpartyOrderID: "mm-1",
			Volume:              order.Volume.Neg(),
			Price:               decimal.NewFromInt(price),
			MatchedAt:           time.Now(),
		})
		return c
	}}
}

func TestStartLiquidationMarksPositionsAndDispatches(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "2")
	f := newSagaFixture(newFakeLedger(position), &fakeMatcher{})

	err := f.saga.StartLiquidation(ctx, &domain.StartLiquidationCommand{
		OperationID: "op-1", AccountID: "acc-1", AssetPairID: "BTC/USDT", Type: domain.LiquidationTypeNormal,
	})
	require.NoError(t, err)

	assert.Equal(t, posdomain.PositionStatusClosing, position.Status)

	record, err := f.ops.FindByID(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, string(domain.LiquidationStateStarted), record.State)

	cmd := f.bus.lastOn(domain.TopicLiquidatePositions)
	require.NotNil(t, cmd)
	assert.Equal(t, "op-1", cmd.key)
	assert.Contains(t, f.events.types, domain.EventTypeLiquidationStarted)
}

func TestStartLiquidationRejectsOverlappingScope(t *testing.T) {
	ctx := context.Background()
	f := newSagaFixture(newFakeLedger(mustPosition(t, "pos-1", "2")), &fakeMatcher{})

	require.NoError(t, f.saga.StartLiquidation(ctx, &domain.StartLiquidationCommand{
		OperationID: "op-1", AccountID: "acc-1", AssetPairID: "BTC/USDT",
	}))

	err := f.saga.StartLiquidation(ctx, &domain.StartLiquidationCommand{
		OperationID: "op-2", AccountID: "acc-1", AssetPairID: "BTC/USDT",
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyInProgress)
}

func TestStartLiquidationDuplicateDeliveryIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newSagaFixture(newFakeLedger(mustPosition(t, "pos-1", "2")), &fakeMatcher{})

	cmd := &domain.StartLiquidationCommand{OperationID: "op-1", AccountID: "acc-1", AssetPairID: "BTC/USDT"}
	require.NoError(t, f.saga.StartLiquidation(ctx, cmd))
	sentBefore := len(f.bus.sent)

	require.NoError(t, f.saga.StartLiquidation(ctx, cmd))
	assert.Len(t, f.bus.sent, sentBefore)
}

func TestLiquidatePositionsFullMatchFinishes(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "2")
	f := newSagaFixture(newFakeLedger(position), fullFillMatcher(95))

	require.NoError(t, f.saga.StartLiquidation(ctx, &domain.StartLiquidationCommand{
		OperationID: "op-1", AccountID: "acc-1", AssetPairID: "BTC/USDT", Type: domain.LiquidationTypeNormal,
	}))
	require.NoError(t, f.saga.HandleLiquidatePositions(ctx, &domain.LiquidatePositionsCommand{OperationID: "op-1"}))

	assert.Equal(t, posdomain.PositionStatusClosed, position.Status)
	assert.Equal(t, posdomain.CloseReasonLiquidation, position.CloseReason)
	require.NotNil(t, f.bus.lastOn(domain.TopicFinishLiquidation))

	require.NoError(t, f.saga.HandleFinishLiquidation(ctx, &domain.FinishLiquidationCommand{OperationID: "op-1"}))
	record, _ := f.ops.FindByID(ctx, "op-1")
	assert.Equal(t, string(domain.LiquidationStateFinished), record.State)
	assert.Contains(t, f.events.types, domain.EventTypeLiquidationFinished)
}

func TestStopOutLiquidationUsesStopOutCloseReason(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "2")
	f := newSagaFixture(newFakeLedger(position), fullFillMatcher(95))

	require.NoError(t, f.saga.StartLiquidation(ctx, &domain.StartLiquidationCommand{
		OperationID: "op-1", AccountID: "acc-1", AssetPairID: "BTC/USDT", Type: domain.LiquidationTypeMCO,
	}))
	require.NoError(t, f.saga.HandleLiquidatePositions(ctx, &domain.LiquidatePositionsCommand{OperationID: "op-1"}))

	assert.Equal(t, posdomain.CloseReasonStopOut, position.CloseReason)
}

func TestLiquidatePositionsEscalatesOnNoLiquidity(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "2")
	f := newSagaFixture(newFakeLedger(position), &fakeMatcher{})

	require.NoError(t, f.saga.StartLiquidation(ctx, &domain.StartLiquidationCommand{
		OperationID: "op-1", AccountID: "acc-1", AssetPairID: "BTC/USDT",
	}))
	require.NoError(t, f.saga.HandleLiquidatePositions(ctx, &domain.LiquidatePositionsCommand{OperationID: "op-1"}))

	record, _ := f.ops.FindByID(ctx, "op-1")
	assert.Equal(t, string(domain.LiquidationStateSpecial), record.State)

	cmd := f.bus.lastOn(domain.TopicStartSpecialLiquidation)
	require.NotNil(t, cmd)
	start := cmd.cmd.(*domain.StartSpecialLiquidationCommand)
	assert.Equal(t, []string{"pos-1"}, start.PositionIDs)
	assert.Equal(t, "lp-1", start.ProviderID)
	assert.Equal(t, "op-1", parentOperationID(start.OperationID))
}

func TestLiquidatePositionsPartialFillNetsBeforeEscalating(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "4")
	half := &fakeMatcher{matchFn: func(order *matchdomain.Order) *matchdomain.MatchedOrderCollection {
		c := matchdomain.NewMatchedOrderCollection()
		c.Add(matchdomain.MatchedOrder{
			Volume: order.Volume.Neg().Div(decimal.NewFromInt(2)),
			Price:  decimal.NewFromInt(110),
		})
		return c
	}}
	f := newSagaFixture(newFakeLedger(position), half)

	require.NoError(t, f.saga.StartLiquidation(ctx, &domain.StartLiquidationCommand{
		OperationID: "op-1", AccountID: "acc-1", AssetPairID: "BTC/USDT",
	}))
	require.NoError(t, f.saga.HandleLiquidatePositions(ctx, &domain.LiquidatePositionsCommand{OperationID: "op-1"}))

	// 4 手多头部分平 2 手，剩余 2 手升级特殊强平
	assert.True(t, position.Volume.Equal(decimal.NewFromInt(2)), "got %s", position.Volume)
	assert.True(t, position.RealizedPnl.Equal(decimal.NewFromInt(20)), "got %s", position.RealizedPnl)

	record, _ := f.ops.FindByID(ctx, "op-1")
	assert.Equal(t, string(domain.LiquidationStateSpecial), record.State)
}

func startSpecial(t *testing.T, f *sagaFixture, specialID string, positionIDs []string) {
	t.Helper()
	require.NoError(t, f.saga.HandleStartSpecialLiquidation(context.Background(), &domain.StartSpecialLiquidationCommand{
		OperationID: specialID,
		AccountID:   "acc-1",
		AssetPairID: "BTC/USDT",
		PositionIDs: positionIDs,
		ProviderID:  "lp-1",
	}))
}

func TestStartSpecialLiquidationRequestsPriceWithLiveVolume(t *testing.T) {
	position := mustPosition(t, "pos-1", "3")
	require.NoError(t, position.TryStartClosing())
	f := newSagaFixture(newFakeLedger(position), &fakeMatcher{})

	startSpecial(t, f, "op-1-special-1", []string{"pos-1"})

	record, _ := f.ops.FindByID(context.Background(), "op-1-special-1")
	require.NotNil(t, record)
	assert.Equal(t, string(domain.SpecialStatePriceRequested), record.State)
	assert.Equal(t, []int{1}, f.requester.requestNumbers)

	// 超时命令已排定
	require.Len(t, f.bus.scheduled, 1)
	assert.Equal(t, domain.TopicGetPriceForSpecialLiquidationTimeout, f.bus.scheduled[0].topic)

	op, err := f.saga.loadSpecial(context.Background(), "op-1-special-1")
	require.NoError(t, err)
	assert.True(t, op.Volume.Equal(decimal.NewFromInt(-3)), "got %s", op.Volume)
}

func TestStartSpecialWithNoOpenVolumeFinishesAndResumesParent(t *testing.T) {
	position := mustPosition(t, "pos-1", "2")
	require.NoError(t, position.Close(decimal.NewFromInt(90), posdomain.CloseReasonClientRequest))
	f := newSagaFixture(newFakeLedger(position), &fakeMatcher{})

	startSpecial(t, f, "op-1-special-1", []string{"pos-1"})

	record, _ := f.ops.FindByID(context.Background(), "op-1-special-1")
	assert.Equal(t, string(domain.SpecialStateFinished), record.State)

	resume := f.bus.lastOn(domain.TopicResumeLiquidation)
	require.NotNil(t, resume)
	assert.Equal(t, "op-1", resume.key)
}

func TestPriceTimeoutRetriesThenFailsParent(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "2")
	require.NoError(t, position.TryStartClosing())
	f := newSagaFixture(newFakeLedger(position), &fakeMatcher{})

	startSpecial(t, f, "op-1-special-1", []string{"pos-1"})

	// 第一次超时：预算未耗尽，重新询价
	require.NoError(t, f.saga.HandleGetPriceTimeout(ctx, &domain.GetPriceForSpecialLiquidationTimeoutCommand{
		OperationID: "op-1-special-1", RequestNumber: 1,
	}))
	assert.Equal(t, []int{1, 2}, f.requester.requestNumbers)

	// 第二次超时：预算耗尽，子流程失败并回收 Closing 标记
	require.NoError(t, f.saga.HandleGetPriceTimeout(ctx, &domain.GetPriceForSpecialLiquidationTimeoutCommand{
		OperationID: "op-1-special-1", RequestNumber: 2,
	}))

	record, _ := f.ops.FindByID(ctx, "op-1-special-1")
	assert.Equal(t, string(domain.SpecialStateFailed), record.State)
	assert.NotEmpty(t, f.ledger.cancelled)
	assert.Equal(t, posdomain.PositionStatusActive, position.Status)

	fail := f.bus.lastOn(domain.TopicFailLiquidation)
	require.NotNil(t, fail)
	assert.Equal(t, "op-1", fail.key)
}

func TestStaleTimeoutIsDropped(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "2")
	require.NoError(t, position.TryStartClosing())
	f := newSagaFixture(newFakeLedger(position), &fakeMatcher{})

	startSpecial(t, f, "op-1-special-1", []string{"pos-1"})
	require.NoError(t, f.saga.HandleGetPriceTimeout(ctx, &domain.GetPriceForSpecialLiquidationTimeoutCommand{
		OperationID: "op-1-special-1", RequestNumber: 1,
	}))

	// 序号 1 的迟到超时不得影响序号 2 的在途询价
	require.NoError(t, f.saga.HandleGetPriceTimeout(ctx, &domain.GetPriceForSpecialLiquidationTimeoutCommand{
		OperationID: "op-1-special-1", RequestNumber: 1,
	}))

	record, _ := f.ops.FindByID(ctx, "op-1-special-1")
	assert.Equal(t, string(domain.SpecialStatePriceRequested), record.State)
	assert.Equal(t, []int{1, 2}, f.requester.requestNumbers)
}

func TestExecuteSpecialOrderSyncsClosesAndSettles(t *testing.T) {
	ctx := context.Background()
	first := mustPosition(t, "pos-1", "2")
	second := mustPosition(t, "pos-2", "3")
	require.NoError(t, first.TryStartClosing())
	require.NoError(t, second.TryStartClosing())
	f := newSagaFixture(newFakeLedger(first, second), &fakeMatcher{})

	startSpecial(t, f, "op-1-special-1", []string{"pos-1", "pos-2"})

	// 询价期间 pos-2 已被其他路径平掉，成交前的 Sync 必须剔除它
	require.NoError(t, second.Close(decimal.NewFromInt(100), posdomain.CloseReasonClientRequest))

	require.NoError(t, f.saga.HandleExecuteSpecialOrder(ctx, &domain.ExecuteSpecialLiquidationOrderCommand{
		OperationID: "op-1-special-1", Price: decimal.NewFromInt(97), ProviderID: "lp-2",
	}))

	assert.Equal(t, posdomain.PositionStatusClosed, first.Status)
	assert.Equal(t, posdomain.CloseReasonSpecialLiquidation, first.CloseReason)
	assert.True(t, first.ClosePrice.Equal(decimal.NewFromInt(97)))

	assert.Equal(t, []string{"op-1-special-1"}, f.settler.settledOps)
	assert.Contains(t, f.events.types, domain.EventTypeSpecialOrderExecuted)

	record, _ := f.ops.FindByID(ctx, "op-1-special-1")
	assert.Equal(t, string(domain.SpecialStateFinished), record.State)
	require.NotNil(t, f.bus.lastOn(domain.TopicResumeLiquidation))
}

func TestExecuteRejectedWhilePaused(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "2")
	require.NoError(t, position.TryStartClosing())
	f := newSagaFixture(newFakeLedger(position), &fakeMatcher{})

	startSpecial(t, f, "op-1-special-1", []string{"pos-1"})
	require.NoError(t, f.saga.PauseSpecialLiquidation(ctx, "op-1-special-1"))

	err := f.saga.HandleExecuteSpecialOrder(ctx, &domain.ExecuteSpecialLiquidationOrderCommand{
		OperationID: "op-1-special-1", Price: decimal.NewFromInt(97),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOperationState)

	// 恢复后重新询价
	require.NoError(t, f.saga.HandleResumePausedSpecialLiquidation(ctx, &domain.ResumePausedSpecialLiquidationCommand{
		OperationID: "op-1-special-1",
	}))
	assert.Equal(t, []int{1, 2}, f.requester.requestNumbers)
}

func TestCancelSpecialFailsParent(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "2")
	require.NoError(t, position.TryStartClosing())
	f := newSagaFixture(newFakeLedger(position), &fakeMatcher{})

	startSpecial(t, f, "op-1-special-1", []string{"pos-1"})
	require.NoError(t, f.saga.HandleCancelSpecialLiquidation(ctx, &domain.CancelSpecialLiquidationCommand{
		OperationID: "op-1-special-1", Reason: "operator abort",
	}))

	record, _ := f.ops.FindByID(ctx, "op-1-special-1")
	assert.Equal(t, string(domain.SpecialStateCancelled), record.State)

	fail := f.bus.lastOn(domain.TopicFailLiquidation)
	require.NotNil(t, fail)
	assert.Equal(t, "op-1", fail.key)
}

func TestCommandsAfterTerminalStateAreDropped(t *testing.T) {
	ctx := context.Background()
	position := mustPosition(t, "pos-1", "2")
	f := newSagaFixture(newFakeLedger(position), fullFillMatcher(95))

	require.NoError(t, f.saga.StartLiquidation(ctx, &domain.StartLiquidationCommand{
		OperationID: "op-1", AccountID: "acc-1", AssetPairID: "BTC/USDT",
	}))
	require.NoError(t, f.saga.HandleLiquidatePositions(ctx, &domain.LiquidatePositionsCommand{OperationID: "op-1"}))
	require.NoError(t, f.saga.HandleFinishLiquidation(ctx, &domain.FinishLiquidationCommand{OperationID: "op-1"}))

	// 终态之后的 Fail 重放必须无副作用
	require.NoError(t, f.saga.HandleFailLiquidation(ctx, &domain.FailLiquidationCommand{OperationID: "op-1", Reason: "late"}))
	record, _ := f.ops.FindByID(ctx, "op-1")
	assert.Equal(t, string(domain.LiquidationStateFinished), record.State)
	assert.NotContains(t, f.events.types, domain.EventTypeLiquidationFailed)
}
