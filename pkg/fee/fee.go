// Package fee 定义手续费率表与金额截断规则。
// 所有费用按固定小数位向下截断，避免向用户多收。
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultScale 金额截断的默认小数位
const DefaultScale = 8

// Schedule 手续费率表
type Schedule struct {
	TakerRate decimal.Decimal
	MakerRate decimal.Decimal
	Scale     int32
}

// NewSchedule 从配置中的字符串费率构造费率表
func NewSchedule(takerRate, makerRate string, scale int32) (Schedule, error) {
	tr, err := decimal.NewFromString(takerRate)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid taker fee rate %q: %w", takerRate, err)
	}
	mr, err := decimal.NewFromString(makerRate)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid maker fee rate %q: %w", makerRate, err)
	}
	if tr.IsNegative() || mr.IsNegative() {
		return Schedule{}, fmt.Errorf("fee rates must be non-negative")
	}
	if scale <= 0 {
		scale = DefaultScale
	}
	return Schedule{TakerRate: tr, MakerRate: mr, Scale: scale}, nil
}

// TakerFee 按成交额计算吃单方费用
func (s Schedule) TakerFee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(s.TakerRate).Truncate(s.Scale)
}

// MakerFee 按成交额计算挂单方费用
func (s Schedule) MakerFee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(s.MakerRate).Truncate(s.Scale)
}

// BuyLockAmount 限价买单下单时需要锁定的金额：名义金额加吃单费
func (s Schedule) BuyLockAmount(price, qty decimal.Decimal) decimal.Decimal {
	notional := price.Mul(qty)
	return notional.Add(s.TakerFee(notional))
}

// AffordableQuantity 按剩余预算在给定价位能吃下的最大数量（含吃单费），
// 结果向下截断到 Scale 位。
func (s Schedule) AffordableQuantity(budget, price decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	unitCost := price.Mul(decimal.NewFromInt(1).Add(s.TakerRate))
	return budget.Div(unitCost).Truncate(s.Scale)
}
