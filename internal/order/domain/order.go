// Package domain 定义订单聚合：实体、状态机与仓储接口。
package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Side 订单方向
type Side string

const (
	// SideBuy 买入
	SideBuy Side = "BUY"
	// SideSell 卖出
	SideSell Side = "SELL"
)

// Valid 判断方向合法性
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType 订单类型
type OrderType string

const (
	// TypeLimit 限价单
	TypeLimit OrderType = "LIMIT"
	// TypeMarket 市价单
	TypeMarket OrderType = "MARKET"
)

// Status 订单状态
type Status string

const (
	// StatusOpen 开放：可被撮合，也可被撤销
	StatusOpen Status = "OPEN"
	// StatusFilled 完全成交（终态）
	StatusFilled Status = "FILLED"
	// StatusCancelled 已撤销（终态）
	StatusCancelled Status = "CANCELLED"
)

// Order 订单实体
// 限价单的 Quantity 为委托数量；市价买单以 MarketTotalPrice 为预算，
// Quantity 为零，市价卖单的 Quantity 等于 MarketTotalQuantity。
type Order struct {
	gorm.Model
	OrderID             string          `gorm:"column:order_id;type:varchar(32);uniqueIndex;not null"`
	UserID              string          `gorm:"column:user_id;type:varchar(32);index;not null"`
	Symbol              string          `gorm:"column:symbol;type:varchar(20);index:idx_symbol_side_status;not null"`
	Side                Side            `gorm:"column:side;type:varchar(8);index:idx_symbol_side_status;not null"`
	Type                OrderType       `gorm:"column:type;type:varchar(8);not null"`
	Price               decimal.Decimal `gorm:"column:price;type:decimal(32,16);not null"`
	Quantity            decimal.Decimal `gorm:"column:quantity;type:decimal(32,16);not null"`
	FilledQuantity      decimal.Decimal `gorm:"column:filled_quantity;type:decimal(32,16);not null"`
	MarketTotalPrice    decimal.Decimal `gorm:"column:market_total_price;type:decimal(32,16);not null"`
	MarketTotalQuantity decimal.Decimal `gorm:"column:market_total_quantity;type:decimal(32,16);not null"`
	Status              Status          `gorm:"column:status;type:varchar(16);index:idx_symbol_side_status;not null"`
}

// TableName 表名
func (Order) TableName() string {
	return "orders"
}

// Remaining 剩余可成交数量
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsOpen 是否仍可撮合
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Fill 累计成交数量并在打满时置为终态。
// 市价买单的 Quantity 为零（由预算约束），不做上限检查。
func (o *Order) Fill(qty decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return ErrInvariantViolation
	}
	newFilled := o.FilledQuantity.Add(qty)
	if !o.Quantity.IsZero() && newFilled.GreaterThan(o.Quantity) {
		// 超额成交说明撮合读到了过期的剩余量，该笔成交必须中止
		return ErrInvariantViolation
	}
	o.FilledQuantity = newFilled
	if !o.Quantity.IsZero() && newFilled.Equal(o.Quantity) {
		o.Status = StatusFilled
	}
	return nil
}

// Cancel 撤销订单，仅 OPEN 状态可撤
func (o *Order) Cancel() error {
	if o.Status != StatusOpen {
		return ErrOrderNotOpen
	}
	o.Status = StatusCancelled
	return nil
}

// OrderRepository 订单仓储接口
// 需要参与外部事务的方法显式接收事务句柄。
type OrderRepository interface {
	Create(ctx context.Context, tx *gorm.DB, order *Order) error
	GetByOrderID(ctx context.Context, orderID string) (*Order, error)
	// GetForUpdate 在事务内加行锁读取订单
	GetForUpdate(ctx context.Context, tx *gorm.DB, orderID string) (*Order, error)
	Update(ctx context.Context, tx *gorm.DB, order *Order) error
	ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*Order, error)
}
