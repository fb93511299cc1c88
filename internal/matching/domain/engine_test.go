package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderdomain "github.com/wyfcoding/cryptoexchange/internal/order/domain"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
)

func testFees(t *testing.T) fee.Schedule {
	t.Helper()
	s, err := fee.NewSchedule("0.001", "0.001", 8)
	require.NoError(t, err)
	return s
}

func limitOrder(id string, side orderdomain.Side, price, qty string) *orderdomain.Order {
	return &orderdomain.Order{
		OrderID:  id,
		UserID:   "u-" + id,
		Symbol:   "BTC-USDT",
		Side:     side,
		Type:     orderdomain.TypeLimit,
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
		Status:   orderdomain.StatusOpen,
	}
}

func TestCrosses(t *testing.T) {
	buy := limitOrder("b", orderdomain.SideBuy, "1000", "1")

	assert.True(t, Crosses(buy, limitOrder("s1", orderdomain.SideSell, "900", "1")))
	assert.True(t, Crosses(buy, limitOrder("s2", orderdomain.SideSell, "1000", "1")))
	assert.False(t, Crosses(buy, limitOrder("s3", orderdomain.SideSell, "1001", "1")))

	sell := limitOrder("s", orderdomain.SideSell, "1000", "1")
	assert.True(t, Crosses(sell, limitOrder("b1", orderdomain.SideBuy, "1100", "1")))
	assert.False(t, Crosses(sell, limitOrder("b2", orderdomain.SideBuy, "999", "1")))

	marketBuy := &orderdomain.Order{Side: orderdomain.SideBuy, Type: orderdomain.TypeMarket, Status: orderdomain.StatusOpen}
	assert.True(t, Crosses(marketBuy, limitOrder("s4", orderdomain.SideSell, "99999", "1")))
}

func TestMatchQuantityTakesMinOfRemainders(t *testing.T) {
	fees := testFees(t)

	taker := limitOrder("t", orderdomain.SideBuy, "1000", "5")
	maker := limitOrder("m", orderdomain.SideSell, "900", "2")
	assert.Equal(t, "2", MatchQuantity(taker, maker, nil, fees).String())

	require.NoError(t, taker.Fill(decimal.RequireFromString("4")))
	assert.Equal(t, "1", MatchQuantity(taker, maker, nil, fees).String())
}

func TestMatchQuantityMarketBuyBudget(t *testing.T) {
	fees := testFees(t)
	taker := &orderdomain.Order{
		OrderID:          "t",
		Side:             orderdomain.SideBuy,
		Type:             orderdomain.TypeMarket,
		MarketTotalPrice: decimal.RequireFromString("2002"),
		Status:           orderdomain.StatusOpen,
	}
	maker := limitOrder("m", orderdomain.SideSell, "1000", "5")

	// 2002 / (1000*1.001) = 2：预算只够吃 2 个
	budget := decimal.RequireFromString("2002")
	assert.Equal(t, "2", MatchQuantity(taker, maker, &budget, fees).String())

	// 预算充裕时受挂单剩余量约束
	budget = decimal.RequireFromString("1000000")
	assert.Equal(t, "5", MatchQuantity(taker, maker, &budget, fees).String())

	// 预算耗尽
	budget = decimal.RequireFromString("0.000001")
	assert.True(t, MatchQuantity(taker, maker, &budget, fees).IsZero())
}

func TestBuildTradeUsesMakerPrice(t *testing.T) {
	fees := testFees(t)
	taker := limitOrder("t", orderdomain.SideBuy, "1000", "2")
	maker := limitOrder("m", orderdomain.SideSell, "900", "2")

	trade := BuildTrade("TRD-1", taker, maker, decimal.RequireFromString("2"), fees)

	assert.Equal(t, "900", trade.Price.String())
	assert.Equal(t, orderdomain.SideBuy, trade.Side)
	assert.Equal(t, "1.8", trade.TakerFee.String())
	assert.Equal(t, "1.8", trade.MakerFee.String())
}

func TestSettlementAmountsBuySide(t *testing.T) {
	fees := testFees(t)
	taker := limitOrder("t", orderdomain.SideBuy, "1000", "2")
	maker := limitOrder("m", orderdomain.SideSell, "1000", "2")

	trade := BuildTrade("TRD-1", taker, maker, decimal.RequireFromString("2"), fees)

	// 买方吃单：买方付 2000+2，卖方收 2000-2
	assert.Equal(t, "2002", trade.TakerTotalUsed().String())
	assert.Equal(t, "1998", trade.MakerTotalUsed().String())
}

func TestSettlementAmountsSellSide(t *testing.T) {
	fees := testFees(t)
	taker := limitOrder("t", orderdomain.SideSell, "1000", "2")
	maker := limitOrder("m", orderdomain.SideBuy, "1000", "2")

	trade := BuildTrade("TRD-1", taker, maker, decimal.RequireFromString("2"), fees)

	// 卖方吃单：卖方收 2000-2，挂单买方付 2000+2
	assert.Equal(t, "1998", trade.TakerTotalUsed().String())
	assert.Equal(t, "2002", trade.MakerTotalUsed().String())
}
