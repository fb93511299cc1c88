// Package mysql 清算域仓储的 GORM 实现
package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/cryptoexchange/internal/settlement/domain"
)

// BalanceRepository 资金账户仓储
type BalanceRepository struct {
	db *gorm.DB
}

// NewBalanceRepository 创建资金账户仓储
func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// GetForUpdate 在事务内加行锁读取账户
func (r *BalanceRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, userID, currency string) (*domain.UserBalance, error) {
	var bal domain.UserBalance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s currency %s", domain.ErrBalanceNotFound, userID, currency)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return &bal, nil
}

// GetOrCreateForUpdate 在事务内加行锁读取账户，不存在时创建零余额账户。
// 并发首建由唯一索引兜底，冲突后重读。
func (r *BalanceRepository) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID, currency string) (*domain.UserBalance, error) {
	bal, err := r.GetForUpdate(ctx, tx, userID, currency)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, domain.ErrBalanceNotFound) {
		return nil, err
	}

	created := &domain.UserBalance{UserID: userID, Currency: currency}
	if err := tx.WithContext(ctx).Create(created).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return r.GetForUpdate(ctx, tx, userID, currency)
		}
		return nil, fmt.Errorf("failed to create balance: %w", err)
	}
	return created, nil
}

// Save 在事务内保存账户变更
func (r *BalanceRepository) Save(ctx context.Context, tx *gorm.DB, balance *domain.UserBalance) error {
	return tx.WithContext(ctx).Save(balance).Error
}

// Get 查询账户
func (r *BalanceRepository) Get(ctx context.Context, userID, currency string) (*domain.UserBalance, error) {
	var bal domain.UserBalance
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s currency %s", domain.ErrBalanceNotFound, userID, currency)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &bal, nil
}

// ListByUserID 查询用户全部资金账户
func (r *BalanceRepository) ListByUserID(ctx context.Context, userID string) ([]*domain.UserBalance, error) {
	var balances []*domain.UserBalance
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("currency ASC").
		Find(&balances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	return balances, nil
}
