package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOperation() *LiquidationOperationData {
	return NewLiquidationOperation("liq-1", "acc-1", "BTC/USD", "SELL", []string{"p1", "p2"}, LiquidationTypeMCO, "margin-monitor")
}

func TestLiquidationHappyPath(t *testing.T) {
	ctx := context.Background()
	d := newOperation()

	require.NoError(t, d.StartProcessing(ctx))
	d.MarkProcessed("p1", true)
	d.MarkProcessed("p2", true)
	require.NoError(t, d.Finish(ctx))

	assert.True(t, d.IsTerminal())
	assert.Equal(t, []string{"p1", "p2"}, d.LiquidatedPositionIDs)
	assert.Empty(t, d.PendingPositionIDs)
}

func TestLiquidationEscalationAndResume(t *testing.T) {
	ctx := context.Background()
	d := newOperation()

	require.NoError(t, d.StartProcessing(ctx))
	d.MarkProcessed("p1", true)

	require.NoError(t, d.Escalate(ctx, []string{"p2"}))
	assert.Equal(t, LiquidationStateSpecial, d.State)
	assert.Equal(t, []string{"p2"}, d.PendingPositionIDs)

	require.NoError(t, d.Resume(ctx))
	assert.Equal(t, LiquidationStateProcessing, d.State)
	require.NoError(t, d.Finish(ctx))
}

func TestLiquidationFailRecordsReason(t *testing.T) {
	ctx := context.Background()
	d := newOperation()

	require.NoError(t, d.StartProcessing(ctx))
	require.NoError(t, d.Fail(ctx, "price request retries exhausted"))

	assert.Equal(t, LiquidationStateFailed, d.State)
	assert.Equal(t, "price request retries exhausted", d.FailReason)
	require.NotNil(t, d.FinishedAt)
}

func TestLiquidationTerminalStateRejectsEvents(t *testing.T) {
	ctx := context.Background()
	d := newOperation()

	require.NoError(t, d.StartProcessing(ctx))
	require.NoError(t, d.Finish(ctx))

	assert.ErrorIs(t, d.Fail(ctx, "late failure"), ErrInvalidOperationState)
	assert.ErrorIs(t, d.StartProcessing(ctx), ErrInvalidOperationState)
	assert.Equal(t, LiquidationStateFinished, d.State)
}

func TestLiquidationInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	d := newOperation()

	// 未进入 Processing 不能升级或完成
	assert.ErrorIs(t, d.Escalate(ctx, nil), ErrInvalidOperationState)
	assert.ErrorIs(t, d.Finish(ctx), ErrInvalidOperationState)
	assert.ErrorIs(t, d.Resume(ctx), ErrInvalidOperationState)
}
