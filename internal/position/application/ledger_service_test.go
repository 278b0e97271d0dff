package application

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/margintrading/internal/position/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
)

type memPositionRepo struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
}

func newMemPositionRepo() *memPositionRepo {
	return &memPositionRepo{positions: make(map[string]*domain.Position)}
}

func (r *memPositionRepo) Save(_ context.Context, p *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.positions[p.ID] = &cp
	return nil
}

func (r *memPositionRepo) FindByID(_ context.Context, id string) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *memPositionRepo) FindByIDs(ctx context.Context, ids []string) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, id := range ids {
		p, _ := r.FindByID(ctx, id)
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memPositionRepo) FindOpenByAccount(_ context.Context, accountID string) ([]*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Position
	for _, p := range r.positions {
		if p.AccountID == accountID && p.IsOpen() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memPositionRepo) FindOpenByAccountAndPair(_ context.Context, accountID, assetPairID string) ([]*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Position
	for _, p := range r.positions {
		if p.AccountID == accountID && p.AssetPairID == assetPairID && p.IsOpen() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memPositionRepo) FindAllOpen(_ context.Context) ([]*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Position
	for _, p := range r.positions {
		if p.IsOpen() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memSwapRepo struct {
	mu    sync.Mutex
	calcs map[string]*domain.OvernightSwapCalculation
}

func newMemSwapRepo() *memSwapRepo {
	return &memSwapRepo{calcs: make(map[string]*domain.OvernightSwapCalculation)}
}

func (r *memSwapRepo) FindByOpenOrderID(_ context.Context, openOrderID string) (*domain.OvernightSwapCalculation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calcs[openOrderID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *memSwapRepo) Save(_ context.Context, calc *domain.OvernightSwapCalculation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *calc
	r.calcs[calc.OpenOrderID] = &cp
	return nil
}

func (r *memSwapRepo) LastCalculatedAt(_ context.Context) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last time.Time
	for _, c := range r.calcs {
		if c.LastCalculatedAt.After(last) {
			last = c.LastCalculatedAt
		}
	}
	return last, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger() (*LedgerService, *memPositionRepo, *memSwapRepo, *recordingPublisher) {
	repo := newMemPositionRepo()
	swaps := newMemSwapRepo()
	pub := &recordingPublisher{}
	svc := NewLedgerService(repo, swaps, pub, metrics.New("test"), slog.Default())
	return svc, repo, swaps, pub
}

func TestOpenAndApplyFill(t *testing.T) {
	svc, _, _, pub := newTestLedger()
	ctx := context.Background()

	p, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count(domain.EventTypePositionOpened))

	result, err := svc.ApplyFill(ctx, p.ID, dec("-4"), dec("110"))
	require.NoError(t, err)
	assert.True(t, result.RealizedPnl.Equal(dec("40")))
	assert.Equal(t, 1, pub.count(domain.EventTypePositionUpdated))

	result, err = svc.ApplyFill(ctx, p.ID, dec("-6"), dec("110"))
	require.NoError(t, err)
	assert.True(t, result.FullyClosed)
	assert.Equal(t, 1, pub.count(domain.EventTypePositionClosed))
}

func TestApplyFillUnknownPosition(t *testing.T) {
	svc, _, _, _ := newTestLedger()

	_, err := svc.ApplyFill(context.Background(), "missing", dec("1"), dec("100"))
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestApplyFillConcurrentFillsSerialize(t *testing.T) {
	svc, repo, _, _ := newTestLedger()
	ctx := context.Background()

	p, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, fillErr := svc.ApplyFill(ctx, p.ID, dec("-4"), dec("110"))
			assert.NoError(t, fillErr)
		}()
	}
	close(start)
	wg.Wait()

	// 两笔 -4 都要落账，后写不能覆盖先写
	reloaded, _ := repo.FindByID(ctx, p.ID)
	assert.True(t, reloaded.Volume.Equal(dec("2")), "volume = %s", reloaded.Volume)
	assert.True(t, reloaded.RealizedPnl.Equal(dec("80")))
}

func TestChargeSwapSkipsPositionClosedMidRun(t *testing.T) {
	svc, repo, swaps, _ := newTestLedger()
	ctx := context.Background()

	p, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)
	require.NoError(t, svc.ClosePosition(ctx, p.ID, dec("100"), domain.CloseReasonLiquidation))

	// 批量快照里的持仓在计提前已被平掉
	asOf := time.Date(2026, 8, 28, 21, 0, 0, 0, time.UTC)
	require.NoError(t, svc.chargeSwap(ctx, p.ID, dec("0.001"), asOf))

	reloaded, _ := repo.FindByID(ctx, p.ID)
	assert.Equal(t, domain.PositionStatusClosed, reloaded.Status)
	assert.True(t, reloaded.SwapValue.IsZero())
	calc, err := swaps.FindByOpenOrderID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Nil(t, calc)
}

func TestTryStartClosingAllOrNothing(t *testing.T) {
	svc, repo, _, _ := newTestLedger()
	ctx := context.Background()

	p1, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)
	p2, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-2", dec("5"), dec("100"), dec("1"))
	require.NoError(t, err)

	// p2 已被其他流程占用
	stored, _ := repo.FindByID(ctx, p2.ID)
	require.NoError(t, stored.TryStartClosing())
	require.NoError(t, repo.Save(ctx, stored))

	err = svc.TryStartClosing(ctx, []string{p1.ID, p2.ID})
	require.ErrorIs(t, err, domain.ErrAlreadyClosing)

	// p1 的标记被回滚
	reloaded, _ := repo.FindByID(ctx, p1.ID)
	assert.Equal(t, domain.PositionStatusActive, reloaded.Status)
}

func TestCancelClosingRevertsMarks(t *testing.T) {
	svc, repo, _, _ := newTestLedger()
	ctx := context.Background()

	p, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)
	require.NoError(t, svc.TryStartClosing(ctx, []string{p.ID}))

	require.NoError(t, svc.CancelClosing(ctx, []string{p.ID, "missing"}))
	reloaded, _ := repo.FindByID(ctx, p.ID)
	assert.Equal(t, domain.PositionStatusActive, reloaded.Status)
}

func TestRunOvernightSwapAccumulates(t *testing.T) {
	svc, repo, swaps, pub := newTestLedger()
	ctx := context.Background()

	p, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)

	asOf := time.Date(2026, 8, 28, 21, 0, 0, 0, time.UTC)
	require.NoError(t, svc.RunOvernightSwap(ctx, dec("0.001"), asOf))
	require.NoError(t, svc.RunOvernightSwap(ctx, dec("0.001"), asOf.Add(24*time.Hour)))

	calc, err := swaps.FindByOpenOrderID(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, calc)
	// 每日 -10*100*0.001 = -1，两天累计 -2
	assert.True(t, calc.Value.Equal(dec("-2")))
	assert.True(t, calc.IsSuccess)

	reloaded, _ := repo.FindByID(ctx, p.ID)
	assert.True(t, reloaded.SwapValue.Equal(dec("-2")))
	assert.Equal(t, 2, pub.count(domain.EventTypeSwapCharged))
}

func TestClosePositionByLiquidation(t *testing.T) {
	svc, repo, _, _ := newTestLedger()
	ctx := context.Background()

	p, err := svc.OpenPosition(ctx, "acc-1", "BTC/USD", "ord-1", dec("10"), dec("100"), dec("1"))
	require.NoError(t, err)

	require.NoError(t, svc.ClosePosition(ctx, p.ID, dec("90"), domain.CloseReasonLiquidation))

	reloaded, _ := repo.FindByID(ctx, p.ID)
	assert.Equal(t, domain.PositionStatusClosed, reloaded.Status)
	assert.Equal(t, domain.CloseReasonLiquidation, reloaded.CloseReason)
	assert.True(t, reloaded.RealizedPnl.Equal(dec("-100")))
}
