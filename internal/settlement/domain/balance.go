// Package domain 定义清算域：资金与持仓账户实体、可用/冻结两段式余额
// 及其不变量。所有变更方法在破坏不变量时返回错误而不是静默修正。
package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UserBalance 用户计价货币账户
// Available 可自由支配，Locked 为下单时冻结的在途金额，两者均不允许为负。
type UserBalance struct {
	gorm.Model
	UserID    string          `gorm:"column:user_id;type:varchar(32);uniqueIndex:idx_user_currency;not null"`
	Currency  string          `gorm:"column:currency;type:varchar(16);uniqueIndex:idx_user_currency;not null"`
	Available decimal.Decimal `gorm:"column:available;type:decimal(32,16);not null"`
	Locked    decimal.Decimal `gorm:"column:locked;type:decimal(32,16);not null"`
}

// TableName 表名
func (UserBalance) TableName() string {
	return "user_balances"
}

// Lock 冻结可用余额
func (b *UserBalance) Lock(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvariantViolation
	}
	if b.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Unlock 解冻回可用余额（撤单、市价单剩余退款）
func (b *UserBalance) Unlock(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvariantViolation
	}
	if b.Locked.LessThan(amount) {
		// 退款额超过冻结额说明上游金额计算被破坏
		return ErrInvariantViolation
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	return nil
}

// DebitLocked 从冻结余额中扣除成交金额。
// 资金在下单时已足额冻结，冻结不足即为不变量被破坏。
func (b *UserBalance) DebitLocked(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvariantViolation
	}
	if b.Locked.LessThan(amount) {
		return ErrInvariantViolation
	}
	b.Locked = b.Locked.Sub(amount)
	return nil
}

// CreditAvailable 入账到可用余额
func (b *UserBalance) CreditAvailable(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvariantViolation
	}
	b.Available = b.Available.Add(amount)
	return nil
}

// BalanceRepository 资金账户仓储接口
type BalanceRepository interface {
	// GetForUpdate 在事务内加行锁读取账户，不存在时返回 ErrBalanceNotFound
	GetForUpdate(ctx context.Context, tx *gorm.DB, userID, currency string) (*UserBalance, error)
	// GetOrCreateForUpdate 在事务内加行锁读取账户，不存在时创建零余额账户
	GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID, currency string) (*UserBalance, error)
	Save(ctx context.Context, tx *gorm.DB, balance *UserBalance) error
	Get(ctx context.Context, userID, currency string) (*UserBalance, error)
	ListByUserID(ctx context.Context, userID string) ([]*UserBalance, error)
}
