package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/cryptoexchange/internal/settlement/domain"
)

// CoinRepository 持仓账户仓储
type CoinRepository struct {
	db *gorm.DB
}

// NewCoinRepository 创建持仓账户仓储
func NewCoinRepository(db *gorm.DB) *CoinRepository {
	return &CoinRepository{db: db}
}

// GetForUpdate 在事务内加行锁读取持仓
func (r *CoinRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, userID, coin string) (*domain.UserCoin, error) {
	var holding domain.UserCoin
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND coin = ?", userID, coin).
		First(&holding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s coin %s", domain.ErrCoinNotFound, userID, coin)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock coin holding: %w", err)
	}
	return &holding, nil
}

// GetOrCreateForUpdate 在事务内加行锁读取持仓，不存在时创建零持仓
func (r *CoinRepository) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID, coin string) (*domain.UserCoin, error) {
	holding, err := r.GetForUpdate(ctx, tx, userID, coin)
	if err == nil {
		return holding, nil
	}
	if !errors.Is(err, domain.ErrCoinNotFound) {
		return nil, err
	}

	created := &domain.UserCoin{UserID: userID, Coin: coin}
	if err := tx.WithContext(ctx).Create(created).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return r.GetForUpdate(ctx, tx, userID, coin)
		}
		return nil, fmt.Errorf("failed to create coin holding: %w", err)
	}
	return created, nil
}

// Save 在事务内保存持仓变更
func (r *CoinRepository) Save(ctx context.Context, tx *gorm.DB, coin *domain.UserCoin) error {
	return tx.WithContext(ctx).Save(coin).Error
}

// Get 查询持仓
func (r *CoinRepository) Get(ctx context.Context, userID, coin string) (*domain.UserCoin, error) {
	var holding domain.UserCoin
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND coin = ?", userID, coin).
		First(&holding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s coin %s", domain.ErrCoinNotFound, userID, coin)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coin holding: %w", err)
	}
	return &holding, nil
}

// ListByUserID 查询用户全部持仓账户
func (r *CoinRepository) ListByUserID(ctx context.Context, userID string) ([]*domain.UserCoin, error) {
	var holdings []*domain.UserCoin
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("coin ASC").
		Find(&holdings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list coin holdings: %w", err)
	}
	return holdings, nil
}
