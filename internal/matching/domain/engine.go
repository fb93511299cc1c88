package domain

import (
	"github.com/shopspring/decimal"

	orderdomain "github.com/wyfcoding/cryptoexchange/internal/order/domain"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
)

// Crosses 判断吃单与挂单价格是否交叉。
// 市价吃单（限价为零）与任意挂单价交叉。
func Crosses(taker, maker *orderdomain.Order) bool {
	if taker.Type == orderdomain.TypeMarket {
		return true
	}
	if taker.Side == orderdomain.SideBuy {
		return maker.Price.LessThanOrEqual(taker.Price)
	}
	return maker.Price.GreaterThanOrEqual(taker.Price)
}

// MatchQuantity 计算一笔成交的数量。
// 常规情况取双方剩余量的较小值；市价买单额外受剩余预算约束，
// budget 为 nil 表示无预算约束。返回零表示无法成交（预算耗尽）。
func MatchQuantity(taker, maker *orderdomain.Order, budget *decimal.Decimal, fees fee.Schedule) decimal.Decimal {
	makerRemain := maker.Remaining()

	if taker.Type == orderdomain.TypeMarket && taker.Side == orderdomain.SideBuy {
		affordable := fees.AffordableQuantity(*budget, maker.Price)
		if affordable.GreaterThan(makerRemain) {
			return makerRemain
		}
		return affordable
	}

	takerRemain := taker.Remaining()
	if takerRemain.LessThan(makerRemain) {
		return takerRemain
	}
	return makerRemain
}

// BuildTrade 按撮合规则生成成交：成交价恒为挂单价，费用按固定小数位截断
func BuildTrade(tradeID string, taker, maker *orderdomain.Order, qty decimal.Decimal, fees fee.Schedule) *Trade {
	notional := maker.Price.Mul(qty)
	return &Trade{
		TradeID:      tradeID,
		Symbol:       taker.Symbol,
		Side:         taker.Side,
		Price:        maker.Price,
		Quantity:     qty,
		TakerOrderID: taker.OrderID,
		MakerOrderID: maker.OrderID,
		TakerUserID:  taker.UserID,
		MakerUserID:  maker.UserID,
		TakerFee:     fees.TakerFee(notional),
		MakerFee:     fees.MakerFee(notional),
	}
}
