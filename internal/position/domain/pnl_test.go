package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnrealizedPnlLong(t *testing.T) {
	pnl, err := UnrealizedPnl(DirectionLong, dec("100"), dec("110"), dec("5"), dec("1.2"))
	require.NoError(t, err)
	// (110-100) * 5 * 1.2 = 60
	assert.True(t, pnl.Equal(dec("60")))
}

func TestUnrealizedPnlShortMirrorsLong(t *testing.T) {
	inputs := [][4]string{
		{"100", "110", "5", "1.2"},
		{"250", "240", "3", "1"},
		{"1.5", "1.5", "1000", "0.9"},
	}
	for _, in := range inputs {
		long, err := UnrealizedPnl(DirectionLong, dec(in[0]), dec(in[1]), dec(in[2]), dec(in[3]))
		require.NoError(t, err)
		short, err := UnrealizedPnl(DirectionShort, dec(in[0]), dec(in[1]), dec(in[2]), dec(in[3]))
		require.NoError(t, err)
		assert.True(t, short.Equal(long.Neg()), "short pnl must mirror long for inputs %v", in)
	}
}

func TestUnrealizedPnlRejectsNonPositiveInputs(t *testing.T) {
	cases := []struct {
		name                       string
		entry, current, volume, fx string
	}{
		{"zero entry", "0", "110", "5", "1"},
		{"negative entry", "-1", "110", "5", "1"},
		{"zero current", "100", "0", "5", "1"},
		{"zero volume", "100", "110", "0", "1"},
		{"negative volume", "100", "110", "-5", "1"},
		{"zero fx", "100", "110", "5", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := UnrealizedPnl(DirectionLong, dec(tc.entry), dec(tc.current), dec(tc.volume), dec(tc.fx))
			require.Error(t, err)
			assert.True(t, IsPrecondition(err))
		})
	}
}

func TestPositionPnlUsesAbsoluteVolume(t *testing.T) {
	short, err := NewPosition("pos-s", "acc", "BTC/USD", "ord-s", dec("-10"), dec("100"), dec("1"))
	require.NoError(t, err)

	pnl, err := PositionPnl(short, dec("90"))
	require.NoError(t, err)
	// 空头下跌获利
	assert.True(t, pnl.Equal(dec("100")))
}
