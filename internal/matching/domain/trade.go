// Package domain 定义撮合域：成交实体、价格优先时间优先的候选查询接口与结算金额计算。
package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	orderdomain "github.com/wyfcoding/cryptoexchange/internal/order/domain"
)

// Trade 成交记录
// Side 为吃单方向；Price 恒为挂单价。
type Trade struct {
	gorm.Model
	TradeID      string           `gorm:"column:trade_id;type:varchar(32);uniqueIndex;not null"`
	Symbol       string           `gorm:"column:symbol;type:varchar(20);index;not null"`
	Side         orderdomain.Side `gorm:"column:side;type:varchar(8);not null"`
	Price        decimal.Decimal  `gorm:"column:price;type:decimal(32,16);not null"`
	Quantity     decimal.Decimal  `gorm:"column:quantity;type:decimal(32,16);not null"`
	TakerOrderID string           `gorm:"column:taker_order_id;type:varchar(32);index;not null"`
	MakerOrderID string           `gorm:"column:maker_order_id;type:varchar(32);index;not null"`
	TakerUserID  string           `gorm:"column:taker_user_id;type:varchar(32);not null"`
	MakerUserID  string           `gorm:"column:maker_user_id;type:varchar(32);not null"`
	TakerFee     decimal.Decimal  `gorm:"column:taker_fee;type:decimal(32,16);not null"`
	MakerFee     decimal.Decimal  `gorm:"column:maker_fee;type:decimal(32,16);not null"`
}

// TableName 表名
func (Trade) TableName() string {
	return "trades"
}

// TakerTotalUsed 吃单方结算金额：买方为名义金额加费用，卖方为名义金额减费用
func (t *Trade) TakerTotalUsed() decimal.Decimal {
	notional := t.Price.Mul(t.Quantity)
	if t.Side == orderdomain.SideBuy {
		return notional.Add(t.TakerFee)
	}
	return notional.Sub(t.TakerFee)
}

// MakerTotalUsed 挂单方结算金额：买方吃单时挂单卖方收款减费用，卖方吃单时挂单买方付款加费用
func (t *Trade) MakerTotalUsed() decimal.Decimal {
	notional := t.Price.Mul(t.Quantity)
	if t.Side == orderdomain.SideBuy {
		return notional.Sub(t.MakerFee)
	}
	return notional.Add(t.MakerFee)
}

// TradeRepository 成交仓储接口
type TradeRepository interface {
	Create(ctx context.Context, tx *gorm.DB, trade *Trade) error
	// SumTakerSpend 统计某吃单已消耗的金额（含费用），用于市价买单恢复剩余预算
	SumTakerSpend(ctx context.Context, takerOrderID string) (decimal.Decimal, error)
}

// CandidateRepository 对手单查询接口
// 返回 OPEN 状态的限价单，按价格优先、时间优先排序；价格边界为 nil 表示不限价。
type CandidateRepository interface {
	// FindSellCandidates 价格不高于 maxPrice 的卖单，价格升序、同价先挂先出
	FindSellCandidates(ctx context.Context, symbol string, maxPrice *decimal.Decimal, limit int) ([]*orderdomain.Order, error)
	// FindBuyCandidates 价格不低于 minPrice 的买单，价格降序、同价先挂先出
	FindBuyCandidates(ctx context.Context, symbol string, minPrice *decimal.Decimal, limit int) ([]*orderdomain.Order, error)
}
