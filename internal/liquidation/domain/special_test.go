package domain

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newSpecial() *SpecialLiquidationOperationData {
	return NewSpecialLiquidationOperation("sp-1", "liq-1", "acc-1", "BTC/USD", "manual", []string{"p1", "p2", "p3"})
}

func TestSyncRecomputesVolumeAndExcludesMissing(t *testing.T) {
	d := newSpecial()

	changed := d.Sync([]PositionVolume{
		{PositionID: "p1", Volume: dec("10")},
		{PositionID: "p2", Volume: dec("-4")},
		{PositionID: "p3", Volume: dec("2")},
	})
	require.True(t, changed)
	assert.True(t, d.Volume.Equal(dec("-8")))
	assert.Equal(t, []string{"p1", "p2", "p3"}, d.PositionIDs)

	// p2 已被其他流程平掉，p3 缩量
	changed = d.Sync([]PositionVolume{
		{PositionID: "p1", Volume: dec("10")},
		{PositionID: "p3", Volume: dec("1")},
	})
	require.True(t, changed)
	assert.True(t, d.Volume.Equal(dec("-11")))
	assert.Equal(t, []string{"p1", "p3"}, d.PositionIDs)

	// 无变化时返回 false
	changed = d.Sync([]PositionVolume{
		{PositionID: "p1", Volume: dec("10")},
		{PositionID: "p3", Volume: dec("1")},
	})
	assert.False(t, changed)
}

func TestSyncEmptySetConvergesToZero(t *testing.T) {
	d := newSpecial()
	d.Sync([]PositionVolume{{PositionID: "p1", Volume: dec("5")}})

	changed := d.Sync(nil)
	require.True(t, changed)
	assert.True(t, d.Volume.IsZero())
	assert.Empty(t, d.PositionIDs)
}

func TestSyncSkipsZeroVolumePositions(t *testing.T) {
	d := newSpecial()
	d.Sync([]PositionVolume{
		{PositionID: "p1", Volume: dec("5")},
		{PositionID: "p2", Volume: decimal.Zero},
	})
	assert.Equal(t, []string{"p1"}, d.PositionIDs)
	assert.True(t, d.Volume.Equal(dec("-5")))
}

func TestNextRequestNumberIncrements(t *testing.T) {
	d := newSpecial()
	assert.Equal(t, 1, d.NextRequestNumber())
	assert.Equal(t, 2, d.NextRequestNumber())
	assert.Equal(t, 2, d.RequestNumber)
}

func TestSpecialLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newSpecial()

	require.NoError(t, d.RequestPrice(ctx))
	assert.Equal(t, SpecialStatePriceRequested, d.State)

	// 超时重试保持询价状态
	require.NoError(t, d.RequestPrice(ctx))

	require.NoError(t, d.Pause(ctx))
	assert.ErrorIs(t, d.Execute(ctx, dec("100"), ""), ErrInvalidOperationState)

	require.NoError(t, d.ResumePaused(ctx))
	require.NoError(t, d.Execute(ctx, dec("100"), "lp-1"))
	assert.Equal(t, "lp-1", d.ProviderID)

	require.NoError(t, d.Finish(ctx))
	assert.True(t, d.IsTerminal())
	require.NotNil(t, d.FinishedAt)

	// 终态后一切动作被拒绝
	assert.ErrorIs(t, d.RequestPrice(ctx), ErrInvalidOperationState)
	assert.ErrorIs(t, d.Fail(ctx, "late"), ErrInvalidOperationState)
}

func TestResumePausedRequiresPausedState(t *testing.T) {
	ctx := context.Background()
	d := newSpecial()

	assert.ErrorIs(t, d.ResumePaused(ctx), ErrNotPaused)
}

func TestSpecialCancelFromPaused(t *testing.T) {
	ctx := context.Background()
	d := newSpecial()

	require.NoError(t, d.RequestPrice(ctx))
	require.NoError(t, d.Pause(ctx))
	require.NoError(t, d.Cancel(ctx, "operator abort"))
	assert.Equal(t, SpecialStateCancelled, d.State)
	assert.Equal(t, "operator abort", d.FailReason)
}

func TestOperationRecordRoundTrip(t *testing.T) {
	d := newSpecial()
	d.Sync([]PositionVolume{{PositionID: "p1", Volume: dec("7")}})
	require.NoError(t, d.RequestPrice(context.Background()))

	record, err := WrapOperation(OperationNameSpecialLiquidation, d.OperationID, d.AccountID, d.AssetPairID, string(d.State), d)
	require.NoError(t, err)
	assert.Equal(t, "sp-1", record.ID)
	assert.Equal(t, string(SpecialStatePriceRequested), record.State)

	info, err := UnwrapOperation[SpecialLiquidationOperationData](record)
	require.NoError(t, err)
	restored := info.Data
	restored.InitFSM()
	assert.True(t, restored.Volume.Equal(dec("-7")))
	assert.Equal(t, SpecialStatePriceRequested, restored.State)

	// 还原后的状态机延续原状态
	require.NoError(t, restored.Execute(context.Background(), dec("99"), ""))
}
