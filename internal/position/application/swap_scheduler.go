package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/logging"
)

// SwapScheduler 每日一次对全部持仓计提隔夜利息。上次计提日从
// 仓储恢复，进程重启不会对同一天重复计提。
type SwapScheduler struct {
	ledger  *LedgerService
	rate    decimal.Decimal
	runHour int
	logger  *slog.Logger

	lastRunDay string
}

// NewSwapScheduler 构造函数。runHour 为 UTC 小时。
func NewSwapScheduler(ledger *LedgerService, rate decimal.Decimal, runHour int, logger *slog.Logger) *SwapScheduler {
	return &SwapScheduler{
		ledger:  ledger,
		rate:    rate,
		runHour: runHour,
		logger:  logger.With("module", "swap_scheduler"),
	}
}

// Start 调度循环，每分钟检查是否到达当日结算时刻
func (s *SwapScheduler) Start(ctx context.Context) error {
	s.seedLastRun(ctx)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "swap scheduler started", "run_hour", s.runHour, "rate", s.rate.String())

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "swap scheduler stopping")
			return nil
		case now := <-ticker.C:
			s.maybeRun(ctx, now.UTC())
		}
	}
}

// seedLastRun 从仓储恢复上次计提日，恢复失败时保持空值
func (s *SwapScheduler) seedLastRun(ctx context.Context) {
	last, err := s.ledger.LastSwapRunAt(ctx)
	if err != nil {
		logging.Error(ctx, "failed to load last swap run", "error", err)
		return
	}
	if !last.IsZero() {
		s.lastRunDay = last.UTC().Format("2006-01-02")
	}
}

func (s *SwapScheduler) maybeRun(ctx context.Context, now time.Time) {
	day := now.Format("2006-01-02")
	if now.Hour() < s.runHour || s.lastRunDay == day {
		return
	}
	if err := s.ledger.RunOvernightSwap(ctx, s.rate, now); err != nil {
		logging.Error(ctx, "overnight swap run failed", "day", day, "error", err)
		return
	}
	s.lastRunDay = day
}
