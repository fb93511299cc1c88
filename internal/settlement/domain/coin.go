package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UserCoin 用户币种持仓账户
type UserCoin struct {
	gorm.Model
	UserID    string          `gorm:"column:user_id;type:varchar(32);uniqueIndex:idx_user_coin;not null"`
	Coin      string          `gorm:"column:coin;type:varchar(16);uniqueIndex:idx_user_coin;not null"`
	Available decimal.Decimal `gorm:"column:available;type:decimal(32,16);not null"`
	Locked    decimal.Decimal `gorm:"column:locked;type:decimal(32,16);not null"`
}

// TableName 表名
func (UserCoin) TableName() string {
	return "user_coins"
}

// Lock 冻结可用持仓
func (c *UserCoin) Lock(qty decimal.Decimal) error {
	if qty.IsNegative() {
		return ErrInvariantViolation
	}
	if c.Available.LessThan(qty) {
		return ErrInsufficientQuantity
	}
	c.Available = c.Available.Sub(qty)
	c.Locked = c.Locked.Add(qty)
	return nil
}

// Unlock 解冻回可用持仓
func (c *UserCoin) Unlock(qty decimal.Decimal) error {
	if qty.IsNegative() {
		return ErrInvariantViolation
	}
	if c.Locked.LessThan(qty) {
		return ErrInvariantViolation
	}
	c.Locked = c.Locked.Sub(qty)
	c.Available = c.Available.Add(qty)
	return nil
}

// DebitLocked 从冻结持仓中扣除成交数量
func (c *UserCoin) DebitLocked(qty decimal.Decimal) error {
	if qty.IsNegative() {
		return ErrInvariantViolation
	}
	if c.Locked.LessThan(qty) {
		return ErrInvariantViolation
	}
	c.Locked = c.Locked.Sub(qty)
	return nil
}

// CreditAvailable 入账到可用持仓
func (c *UserCoin) CreditAvailable(qty decimal.Decimal) error {
	if qty.IsNegative() {
		return ErrInvariantViolation
	}
	c.Available = c.Available.Add(qty)
	return nil
}

// CoinRepository 持仓账户仓储接口
type CoinRepository interface {
	GetForUpdate(ctx context.Context, tx *gorm.DB, userID, coin string) (*UserCoin, error)
	GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID, coin string) (*UserCoin, error)
	Save(ctx context.Context, tx *gorm.DB, coin *UserCoin) error
	Get(ctx context.Context, userID, coin string) (*UserCoin, error)
	ListByUserID(ctx context.Context, userID string) ([]*UserCoin, error)
}
