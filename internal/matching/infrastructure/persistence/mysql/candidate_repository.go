package mysql

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	orderdomain "github.com/wyfcoding/cryptoexchange/internal/order/domain"
)

// CandidateRepository 对手单查询
// 只返回 OPEN 状态的限价单；市价单从不留在簿上，不会成为对手单。
type CandidateRepository struct {
	db *gorm.DB
}

// NewCandidateRepository 创建对手单查询
func NewCandidateRepository(db *gorm.DB) *CandidateRepository {
	return &CandidateRepository{db: db}
}

// FindSellCandidates 价格不高于 maxPrice 的卖单，价格升序、同价先挂先出
func (r *CandidateRepository) FindSellCandidates(ctx context.Context, symbol string, maxPrice *decimal.Decimal, limit int) ([]*orderdomain.Order, error) {
	q := r.baseQuery(ctx, symbol, orderdomain.SideSell)
	if maxPrice != nil {
		q = q.Where("price <= ?", maxPrice)
	}
	var orders []*orderdomain.Order
	if err := q.Order("price ASC, id ASC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to find sell candidates: %w", err)
	}
	return orders, nil
}

// FindBuyCandidates 价格不低于 minPrice 的买单，价格降序、同价先挂先出
func (r *CandidateRepository) FindBuyCandidates(ctx context.Context, symbol string, minPrice *decimal.Decimal, limit int) ([]*orderdomain.Order, error) {
	q := r.baseQuery(ctx, symbol, orderdomain.SideBuy)
	if minPrice != nil {
		q = q.Where("price >= ?", minPrice)
	}
	var orders []*orderdomain.Order
	if err := q.Order("price DESC, id ASC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to find buy candidates: %w", err)
	}
	return orders, nil
}

func (r *CandidateRepository) baseQuery(ctx context.Context, symbol string, side orderdomain.Side) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&orderdomain.Order{}).
		Where("symbol = ? AND side = ? AND status = ? AND type = ?",
			symbol, side, orderdomain.StatusOpen, orderdomain.TypeLimit)
}
