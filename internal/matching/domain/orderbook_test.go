package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedAsks(t *testing.T, ob *OrderBook, quotes ...[2]string) {
	t.Helper()
	require.True(t, ob.PingLock())
	defer ob.Unlock()
	for i, q := range quotes {
		ob.placeResting(DirectionSell, &RestingOrder{
			OrderID:               "mm-ask-" + q[1],
			MarketMakerID:         "mm-1",
			LimitOrderLeftToMatch: dec(q[0]),
			Price:                 dec(q[1]),
			PlacedAt:              time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}
}

func TestMatchWalksLevelsBestPriceFirst(t *testing.T) {
	ob := NewOrderBook("BTC/USD")
	seedAsks(t, ob, [2]string{"10", "100"}, [2]string{"5", "101"})

	require.True(t, ob.PingLock())
	result := ob.match(DirectionBuy, dec("12"), decimal.Zero)
	ob.Unlock()

	require.Equal(t, 2, result.Len())
	items := result.Items()
	assert.True(t, items[0].Price.Equal(dec("100")))
	assert.True(t, items[0].Volume.Equal(dec("10")))
	assert.True(t, items[1].Price.Equal(dec("101")))
	assert.True(t, items[1].Volume.Equal(dec("2")))
	assert.True(t, result.SummaryVolume().Equal(dec("12")))

	// 加权均价 = (100*10 + 101*2) / 12
	expected := dec("1202").Div(dec("12"))
	assert.True(t, result.WeightedAveragePrice().Equal(expected))

	// 第二档剩余 3，且成为新的最优卖价
	best, ok := ob.BestPrice(DirectionSell)
	require.True(t, ok)
	assert.True(t, best.Equal(dec("101")))
}

func TestMatchCappedByAvailableLiquidity(t *testing.T) {
	ob := NewOrderBook("BTC/USD")
	seedAsks(t, ob, [2]string{"10", "100"}, [2]string{"5", "101"})

	require.True(t, ob.PingLock())
	result := ob.match(DirectionBuy, dec("20"), decimal.Zero)
	ob.Unlock()

	assert.True(t, result.SummaryVolume().Equal(dec("15")))

	// 盘口被吃空
	_, ok := ob.BestPrice(DirectionSell)
	assert.False(t, ok)
}

func TestMatchEmptyBookIsNoLiquidity(t *testing.T) {
	ob := NewOrderBook("BTC/USD")

	require.True(t, ob.PingLock())
	result := ob.match(DirectionBuy, dec("5"), decimal.Zero)
	ob.Unlock()

	assert.True(t, result.IsEmpty())
	assert.True(t, result.SummaryVolume().IsZero())
	assert.True(t, result.WeightedAveragePrice().IsZero())
}

func TestMatchRespectsLimitPrice(t *testing.T) {
	ob := NewOrderBook("BTC/USD")
	seedAsks(t, ob, [2]string{"10", "100"}, [2]string{"5", "101"})

	require.True(t, ob.PingLock())
	result := ob.match(DirectionBuy, dec("12"), dec("100"))
	ob.Unlock()

	// 101 档超出限价，只吃到 100 档
	assert.True(t, result.SummaryVolume().Equal(dec("10")))
	assert.True(t, result.WeightedAveragePrice().Equal(dec("100")))
}

func TestMatchFIFOWithinLevel(t *testing.T) {
	ob := NewOrderBook("BTC/USD")
	require.True(t, ob.PingLock())
	ob.placeResting(DirectionSell, &RestingOrder{
		OrderID: "first", LimitOrderLeftToMatch: dec("3"), Price: dec("100"),
	})
	ob.placeResting(DirectionSell, &RestingOrder{
		OrderID: "second", LimitOrderLeftToMatch: dec("3"), Price: dec("100"),
	})
	result := ob.match(DirectionBuy, dec("4"), decimal.Zero)
	ob.Unlock()

	require.Equal(t, 2, result.Len())
	items := result.Items()
	assert.Equal(t, "first", items[0].CounterpartyOrderID)
	assert.True(t, items[0].LimitOrderLeftToMatch.IsZero())
	assert.Equal(t, "second", items[1].CounterpartyOrderID)
	assert.True(t, items[1].LimitOrderLeftToMatch.Equal(dec("2")))
}

func TestMatchSellHitsBestBidFirst(t *testing.T) {
	ob := NewOrderBook("BTC/USD")
	require.True(t, ob.PingLock())
	ob.placeResting(DirectionBuy, &RestingOrder{
		OrderID: "bid-low", LimitOrderLeftToMatch: dec("5"), Price: dec("99"),
	})
	ob.placeResting(DirectionBuy, &RestingOrder{
		OrderID: "bid-high", LimitOrderLeftToMatch: dec("5"), Price: dec("100"),
	})
	result := ob.match(DirectionSell, dec("6"), decimal.Zero)
	ob.Unlock()

	require.Equal(t, 2, result.Len())
	items := result.Items()
	assert.Equal(t, "bid-high", items[0].CounterpartyOrderID)
	assert.True(t, items[0].Volume.Equal(dec("-5")))
	assert.Equal(t, "bid-low", items[1].CounterpartyOrderID)
	assert.True(t, items[1].Volume.Equal(dec("-1")))
}

func TestPingLockExcludesConcurrentMatch(t *testing.T) {
	ob := NewOrderBook("BTC/USD")
	require.True(t, ob.PingLock())
	assert.False(t, ob.PingLock())
	ob.Unlock()
	assert.True(t, ob.PingLock())
	ob.Unlock()
}

func TestProbeClosePriceDoesNotMutateBook(t *testing.T) {
	ob := NewOrderBook("BTC/USD")
	seedAsks(t, ob, [2]string{"10", "100"}, [2]string{"5", "101"})

	price, full := ob.ProbeClosePrice(DirectionBuy, dec("12"))
	require.True(t, full)
	assert.True(t, price.Equal(dec("1202").Div(dec("12"))))

	// 询价后盘口不变
	bids, asks := ob.Depth(10)
	assert.Empty(t, bids)
	require.Len(t, asks, 2)
	assert.True(t, asks[0].Volume.Equal(dec("10")))
	assert.True(t, asks[1].Volume.Equal(dec("5")))
}

func TestProbeClosePricePartialLiquidity(t *testing.T) {
	ob := NewOrderBook("BTC/USD")
	seedAsks(t, ob, [2]string{"10", "100"})

	_, full := ob.ProbeClosePrice(DirectionBuy, dec("15"))
	assert.False(t, full)

	_, full = ob.ProbeClosePrice(DirectionSell, dec("1"))
	assert.False(t, full)
}

func TestDepthOrdering(t *testing.T) {
	ob := NewOrderBook("BTC/USD")
	require.True(t, ob.PingLock())
	ob.placeResting(DirectionBuy, &RestingOrder{OrderID: "b1", LimitOrderLeftToMatch: dec("1"), Price: dec("98")})
	ob.placeResting(DirectionBuy, &RestingOrder{OrderID: "b2", LimitOrderLeftToMatch: dec("2"), Price: dec("99")})
	ob.placeResting(DirectionSell, &RestingOrder{OrderID: "a1", LimitOrderLeftToMatch: dec("3"), Price: dec("101")})
	ob.placeResting(DirectionSell, &RestingOrder{OrderID: "a2", LimitOrderLeftToMatch: dec("4"), Price: dec("100")})
	ob.Unlock()

	bids, asks := ob.Depth(10)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)
	// 买盘降序、卖盘升序
	assert.True(t, bids[0].Price.Equal(dec("99")))
	assert.True(t, bids[1].Price.Equal(dec("98")))
	assert.True(t, asks[0].Price.Equal(dec("100")))
	assert.True(t, asks[1].Price.Equal(dec("101")))
}
