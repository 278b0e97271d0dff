package application

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	liqdomain "github.com/wyfcoding/margintrading/internal/liquidation/domain"
	matchdomain "github.com/wyfcoding/margintrading/internal/matching/domain"
	posdomain "github.com/wyfcoding/margintrading/internal/position/domain"
	"github.com/wyfcoding/margintrading/internal/risk/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
)

type memAccountRepo struct {
	accounts []*domain.MarginAccount
}

func (r *memAccountRepo) Save(_ context.Context, account *domain.MarginAccount) error {
	for i, a := range r.accounts {
		if a.ID == account.ID {
			r.accounts[i] = account
			return nil
		}
	}
	r.accounts = append(r.accounts, account)
	return nil
}

func (r *memAccountRepo) FindByID(_ context.Context, id string) (*domain.MarginAccount, error) {
	for _, a := range r.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, nil
}

func (r *memAccountRepo) FindAll(_ context.Context, offset, limit int) ([]*domain.MarginAccount, error) {
	if offset >= len(r.accounts) {
		return nil, nil
	}
	end := offset + limit
	if end > len(r.accounts) {
		end = len(r.accounts)
	}
	return r.accounts[offset:end], nil
}

type stubPositions struct {
	byAccount map[string][]*posdomain.Position
}

func (s *stubPositions) GetOpenPositions(_ context.Context, accountID string) ([]*posdomain.Position, error) {
	return s.byAccount[accountID], nil
}

type stubPrices struct {
	price decimal.Decimal
}

func (s *stubPrices) GetPriceForClose(_ context.Context, _ string, _ decimal.Decimal, _ string) (decimal.Decimal, error) {
	if !s.price.IsPositive() {
		return decimal.Zero, matchdomain.ErrNoLiquidity
	}
	return s.price, nil
}

type recordingStarter struct {
	commands []*liqdomain.StartLiquidationCommand
	err      error
}

func (r *recordingStarter) StartLiquidation(_ context.Context, cmd *liqdomain.StartLiquidationCommand) error {
	r.commands = append(r.commands, cmd)
	return r.err
}

type recordingRiskEvents struct {
	types []string
}

func (r *recordingRiskEvents) Publish(_ context.Context, eventType string, _ string, _ any) error {
	r.types = append(r.types, eventType)
	return nil
}

func newMonitorFixture(accounts *memAccountRepo, positions *stubPositions, prices *stubPrices) (*MarginMonitor, *recordingStarter, *recordingRiskEvents) {
	starter := &recordingStarter{}
	events := &recordingRiskEvents{}
	monitor := NewMarginMonitor(
		accounts, positions, prices, starter, events, nil,
		MonitorConfig{
			CheckInterval:   time.Second,
			MarginCallLevel: decimal.RequireFromString("0.8"),
			StopOutLevel:    decimal.RequireFromString("0.95"),
		},
		metrics.New("risk_test"),
		slog.Default(),
	)
	return monitor, starter, events
}

func marginPosition(t *testing.T, id, accountID, pair, volume, entry string) *posdomain.Position {
	t.Helper()
	p, err := posdomain.NewPosition(id, accountID, pair, "open-"+id,
		decimal.RequireFromString(volume), decimal.RequireFromString(entry), decimal.NewFromInt(1))
	require.NoError(t, err)
	return p
}

func TestRunCycleHealthyAccountNoSignals(t *testing.T) {
	accounts := &memAccountRepo{accounts: []*domain.MarginAccount{
		{ID: "acc-1", Currency: "USDT", Balance: decimal.NewFromInt(10000), Leverage: decimal.NewFromInt(10)},
	}}
	positions := &stubPositions{byAccount: map[string][]*posdomain.Position{
		"acc-1": {marginPosition(t, "pos-1", "acc-1", "BTC/USDT", "2", "100")},
	}}
	monitor, starter, events := newMonitorFixture(accounts, positions, &stubPrices{price: decimal.NewFromInt(101)})

	require.NoError(t, monitor.RunCycle(context.Background()))
	assert.Empty(t, starter.commands)
	assert.Empty(t, events.types)
}

func TestCheckAccountMarginCallOnlyOnTransition(t *testing.T) {
	account := &domain.MarginAccount{ID: "acc-1", Currency: "USDT", Balance: decimal.NewFromInt(230), Leverage: decimal.NewFromInt(1)}
	positions := &stubPositions{byAccount: map[string][]*posdomain.Position{
		// 占用 200，权益 230，水平约 0.87
		"acc-1": {marginPosition(t, "pos-1", "acc-1", "BTC/USDT", "2", "100")},
	}}
	monitor, starter, events := newMonitorFixture(&memAccountRepo{}, positions, &stubPrices{price: decimal.NewFromInt(100)})

	snapshot, err := monitor.CheckAccount(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskSignalMarginCall, snapshot.Classify(decimal.RequireFromString("0.8"), decimal.RequireFromString("0.95")))
	assert.Equal(t, []string{domain.EventTypeMarginCall}, events.types)
	assert.Empty(t, starter.commands)

	// 水平未变，重复巡检不再发事件
	_, err = monitor.CheckAccount(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.EventTypeMarginCall}, events.types)
}

func TestCheckAccountStopOutStartsLiquidationPerPair(t *testing.T) {
	account := &domain.MarginAccount{ID: "acc-1", Currency: "USDT", Balance: decimal.NewFromInt(205), Leverage: decimal.NewFromInt(1)}
	positions := &stubPositions{byAccount: map[string][]*posdomain.Position{
		"acc-1": {
			marginPosition(t, "pos-1", "acc-1", "BTC/USDT", "1", "100"),
			marginPosition(t, "pos-2", "acc-1", "ETH/USDT", "1", "100"),
		},
	}}
	monitor, starter, events := newMonitorFixture(&memAccountRepo{}, positions, &stubPrices{price: decimal.NewFromInt(100)})

	_, err := monitor.CheckAccount(context.Background(), account)
	require.NoError(t, err)

	assert.Contains(t, events.types, domain.EventTypeStopOutTriggered)
	require.Len(t, starter.commands, 2)
	pairs := []string{starter.commands[0].AssetPairID, starter.commands[1].AssetPairID}
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, pairs)
	for _, cmd := range starter.commands {
		assert.Equal(t, liqdomain.LiquidationTypeMCO, cmd.Type)
		assert.Equal(t, "margin_monitor", cmd.Originator)
		assert.NotEmpty(t, cmd.OperationID)
	}
}

func TestCheckAccountToleratesInFlightLiquidation(t *testing.T) {
	account := &domain.MarginAccount{ID: "acc-1", Currency: "USDT", Balance: decimal.NewFromInt(100), Leverage: decimal.NewFromInt(1)}
	positions := &stubPositions{byAccount: map[string][]*posdomain.Position{
		"acc-1": {marginPosition(t, "pos-1", "acc-1", "BTC/USDT", "1", "100")},
	}}
	monitor, starter, _ := newMonitorFixture(&memAccountRepo{}, positions, &stubPrices{price: decimal.NewFromInt(100)})
	starter.err = liqdomain.ErrAlreadyInProgress

	_, err := monitor.CheckAccount(context.Background(), account)
	require.NoError(t, err)
	assert.Len(t, starter.commands, 1)
}

func TestCheckAccountWithoutPriceStillUsesMargin(t *testing.T) {
	account := &domain.MarginAccount{ID: "acc-1", Currency: "USDT", Balance: decimal.NewFromInt(100), Leverage: decimal.NewFromInt(1)}
	positions := &stubPositions{byAccount: map[string][]*posdomain.Position{
		// 无现价：浮动盈亏缺席，但占用 100 / 权益 100 = 1.0 仍触发 stop-out
		"acc-1": {marginPosition(t, "pos-1", "acc-1", "BTC/USDT", "1", "100")},
	}}
	monitor, starter, _ := newMonitorFixture(&memAccountRepo{}, positions, &stubPrices{})

	snapshot, err := monitor.CheckAccount(context.Background(), account)
	require.NoError(t, err)
	assert.True(t, snapshot.TotalPnl.IsZero())
	assert.Len(t, starter.commands, 1)
}
