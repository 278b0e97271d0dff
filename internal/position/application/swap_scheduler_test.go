package application

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwapSchedulerRunsOncePerDay(t *testing.T) {
	svc, _, swaps, _ := newTestLedger()
	ctx := context.Background()

	_, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)

	sched := NewSwapScheduler(svc, dec("0.001"), 21, slog.Default())
	day := time.Date(2026, 8, 28, 21, 5, 0, 0, time.UTC)
	sched.maybeRun(ctx, day)
	sched.maybeRun(ctx, day.Add(time.Hour))

	calc, err := swaps.FindByOpenOrderID(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, calc)
	assert.True(t, calc.Value.Equal(dec("-1")))
}

func TestSwapSchedulerSkipsBeforeRunHour(t *testing.T) {
	svc, _, swaps, _ := newTestLedger()
	ctx := context.Background()

	_, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)

	sched := NewSwapScheduler(svc, dec("0.001"), 21, slog.Default())
	sched.maybeRun(ctx, time.Date(2026, 8, 28, 20, 59, 0, 0, time.UTC))

	calc, err := swaps.FindByOpenOrderID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Nil(t, calc)
}

func TestSwapSchedulerSeedsLastRunFromStore(t *testing.T) {
	svc, _, swaps, _ := newTestLedger()
	ctx := context.Background()

	_, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)

	day := time.Date(2026, 8, 28, 21, 5, 0, 0, time.UTC)
	require.NoError(t, svc.RunOvernightSwap(ctx, dec("0.001"), day))

	// 重启后的调度器从仓储恢复计提日，当日不再重复计提
	sched := NewSwapScheduler(svc, dec("0.001"), 21, slog.Default())
	sched.seedLastRun(ctx)
	sched.maybeRun(ctx, day.Add(30*time.Minute))

	calc, err := swaps.FindByOpenOrderID(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, calc)
	assert.True(t, calc.Value.Equal(dec("-1")))

	// 次日照常计提
	sched.maybeRun(ctx, day.Add(24*time.Hour))
	calc, err = swaps.FindByOpenOrderID(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, calc.Value.Equal(dec("-2")))
}
