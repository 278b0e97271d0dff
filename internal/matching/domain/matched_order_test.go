package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectionSummaryVolumeUsesAbsoluteValues(t *testing.T) {
	c := NewMatchedOrderCollection()
	c.Add(MatchedOrder{Volume: dec("3"), Price: dec("100")})
	c.Add(MatchedOrder{Volume: dec("-2"), Price: dec("101")})

	assert.True(t, c.SummaryVolume().Equal(dec("5")))
}

func TestCollectionWeightedAveragePrice(t *testing.T) {
	c := NewMatchedOrderCollection()
	c.Add(MatchedOrder{Volume: dec("10"), Price: dec("100")})
	c.Add(MatchedOrder{Volume: dec("2"), Price: dec("101")})

	expected := dec("1202").Div(dec("12"))
	assert.True(t, c.WeightedAveragePrice().Equal(expected))
}

func TestEmptyCollection(t *testing.T) {
	c := NewMatchedOrderCollection()
	assert.True(t, c.IsEmpty())
	assert.Zero(t, c.Len())
	assert.True(t, c.SummaryVolume().IsZero())
	assert.True(t, c.WeightedAveragePrice().IsZero())
}

func TestItemsReturnsCopy(t *testing.T) {
	c := NewMatchedOrderCollection()
	c.Add(MatchedOrder{Volume: dec("1"), Price: dec("100")})

	items := c.Items()
	items[0].Price = dec("999")

	assert.True(t, c.Items()[0].Price.Equal(dec("100")))
}

func TestSinglePriceCollectionAverageEqualsPrice(t *testing.T) {
	c := NewMatchedOrderCollection()
	c.Add(MatchedOrder{Volume: dec("4"), Price: dec("250")})
	c.Add(MatchedOrder{Volume: dec("6"), Price: dec("250")})

	assert.True(t, c.WeightedAveragePrice().Equal(dec("250")))
}

func TestOrderVolumeCarriesDirectionSign(t *testing.T) {
	buy, err := NewLimitOrder("o1", "acc", "BTC/USD", DirectionBuy, dec("5"), dec("100"))
	assert.NoError(t, err)
	assert.True(t, buy.Volume.Equal(dec("5")))

	sell, err := NewLimitOrder("o2", "acc", "BTC/USD", DirectionSell, dec("5"), dec("100"))
	assert.NoError(t, err)
	assert.True(t, sell.Volume.Equal(dec("-5")))
	assert.True(t, sell.AbsVolume().Equal(dec("5")))
}

func TestOrderValidation(t *testing.T) {
	_, err := NewLimitOrder("o1", "acc", "BTC/USD", DirectionBuy, dec("0"), dec("100"))
	assert.Error(t, err)

	_, err = NewLimitOrder("o1", "acc", "BTC/USD", DirectionBuy, dec("-1"), dec("100"))
	assert.Error(t, err)

	_, err = NewLimitOrder("o1", "acc", "BTC/USD", DirectionBuy, dec("1"), dec("0"))
	assert.Error(t, err)

	_, err = NewMarketOrder("o2", "acc", "BTC/USD", DirectionSell, dec("1"))
	assert.NoError(t, err)
}
