package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newLong(t *testing.T) *Position {
	t.Helper()
	p, err := NewPosition("pos-1", "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)
	return p
}

func TestApplyFillIncreaseUpdatesWeightedEntry(t *testing.T) {
	p := newLong(t)

	result, err := p.ApplyFill(dec("10"), dec("110"))
	require.NoError(t, err)

	assert.True(t, result.ClosedVolume.IsZero())
	assert.True(t, p.Volume.Equal(dec("20")))
	// (100*10 + 110*10) / 20 = 105
	assert.True(t, p.EntryPrice.Equal(dec("105")))
	assert.Equal(t, PositionStatusActive, p.Status)
}

func TestApplyFillPartialCloseRealizesPnl(t *testing.T) {
	p := newLong(t)

	result, err := p.ApplyFill(dec("-4"), dec("110"))
	require.NoError(t, err)

	assert.True(t, result.ClosedVolume.Equal(dec("4")))
	// (110-100) * 4 = 40
	assert.True(t, result.RealizedPnl.Equal(dec("40")))
	assert.True(t, p.Volume.Equal(dec("6")))
	// 剩余持仓保持原开仓价
	assert.True(t, p.EntryPrice.Equal(dec("100")))
	assert.False(t, result.FullyClosed)
}

func TestApplyFillFullCloseTerminatesPosition(t *testing.T) {
	p := newLong(t)

	result, err := p.ApplyFill(dec("-10"), dec("95"))
	require.NoError(t, err)

	assert.True(t, result.FullyClosed)
	assert.True(t, result.RealizedPnl.Equal(dec("-50")))
	assert.Equal(t, PositionStatusClosed, p.Status)
	assert.True(t, p.Volume.IsZero())
	require.NotNil(t, p.ClosedAt)

	_, err = p.ApplyFill(dec("1"), dec("100"))
	assert.ErrorIs(t, err, ErrPositionClosed)
}

func TestApplyFillFlipOpensOppositeDirection(t *testing.T) {
	p := newLong(t)

	result, err := p.ApplyFill(dec("-15"), dec("110"))
	require.NoError(t, err)

	assert.True(t, result.Flipped)
	assert.True(t, result.ClosedVolume.Equal(dec("10")))
	assert.True(t, result.RealizedPnl.Equal(dec("100")))
	assert.True(t, p.Volume.Equal(dec("-5")))
	assert.Equal(t, DirectionShort, p.Direction())
	// 反手后以成交价为新开仓价
	assert.True(t, p.EntryPrice.Equal(dec("110")))
}

func TestApplyFillShortCloseSignIsMirrored(t *testing.T) {
	p, err := NewPosition("pos-2", "acc-1", "BTC/USD", "ord-2", dec("-10"), dec("100"), dec("1"))
	require.NoError(t, err)

	// 空头在价格下跌时买回获利
	result, err := p.ApplyFill(dec("10"), dec("90"))
	require.NoError(t, err)
	assert.True(t, result.RealizedPnl.Equal(dec("100")))
	assert.True(t, result.FullyClosed)
}

func TestTryStartClosingRejectsConcurrentAttempt(t *testing.T) {
	p := newLong(t)

	require.NoError(t, p.TryStartClosing())
	assert.Equal(t, PositionStatusClosing, p.Status)

	assert.ErrorIs(t, p.TryStartClosing(), ErrAlreadyClosing)

	require.NoError(t, p.CancelClosing())
	assert.Equal(t, PositionStatusActive, p.Status)
	assert.ErrorIs(t, p.CancelClosing(), ErrNotClosing)
}

func TestTryStartClosingOnClosedPosition(t *testing.T) {
	p := newLong(t)
	require.NoError(t, p.Close(dec("100"), CloseReasonLiquidation))
	assert.ErrorIs(t, p.TryStartClosing(), ErrPositionClosed)
	assert.Equal(t, CloseReasonLiquidation, p.CloseReason)
}
