// Package mysql 撮合域仓储的 GORM 实现
package mysql

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/internal/matching/domain"
)

// TradeRepository 成交仓储
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository 创建成交仓储
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create 在事务内创建成交记录
func (r *TradeRepository) Create(ctx context.Context, tx *gorm.DB, trade *domain.Trade) error {
	return tx.WithContext(ctx).Create(trade).Error
}

// SumTakerSpend 统计某吃单已消耗的金额（名义金额加吃单费）
func (r *TradeRepository) SumTakerSpend(ctx context.Context, takerOrderID string) (decimal.Decimal, error) {
	var raw string
	err := r.db.WithContext(ctx).
		Model(&domain.Trade{}).
		Select("COALESCE(SUM(price * quantity + taker_fee), 0)").
		Where("taker_order_id = ?", takerOrderID).
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum taker spend: %w", err)
	}
	spent, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid taker spend sum %q: %w", raw, err)
	}
	return spent, nil
}
