// Package application 实现清算用例：下单冻结、成交清算与退款解冻。
// 每个事件在一个本地事务内生效，幂等标记与账户变更同事务提交，
// 失败时整体回滚，事件可安全重投。
package application

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/internal/event"
	orderdomain "github.com/wyfcoding/cryptoexchange/internal/order/domain"
	"github.com/wyfcoding/cryptoexchange/internal/settlement/domain"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
	"github.com/wyfcoding/cryptoexchange/pkg/idempotent"
	"github.com/wyfcoding/cryptoexchange/pkg/logger"
)

// TxRunner 本地事务执行接口，由 db.DB 实现
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// SettlementService 清算应用服务
type SettlementService struct {
	db       TxRunner
	balances domain.BalanceRepository
	coins    domain.CoinRepository
	fees     fee.Schedule
	marker   idempotent.Marker
}

// NewSettlementService 创建清算应用服务
func NewSettlementService(
	database TxRunner,
	balances domain.BalanceRepository,
	coins domain.CoinRepository,
	fees fee.Schedule,
	marker idempotent.Marker,
) *SettlementService {
	return &SettlementService{
		db:       database,
		balances: balances,
		coins:    coins,
		fees:     fees,
		marker:   marker,
	}
}

// HandleLimitOrderCreated 限价单下单冻结：
// 买单冻结名义金额加吃单费，卖单冻结委托数量。
func (s *SettlementService) HandleLimitOrderCreated(ctx context.Context, env *event.Envelope) error {
	p := env.Payload
	base, quote, err := domain.SplitSymbol(p.Symbol)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		accounts := newTxAccounts(tx, s.balances, s.coins)

		switch orderdomain.Side(p.OrderSide) {
		case orderdomain.SideBuy:
			bal, err := accounts.balance(ctx, p.UserID, quote, false)
			if err != nil {
				return err
			}
			amount := s.fees.BuyLockAmount(p.Price, p.Quantity)
			if err := bal.Lock(amount); err != nil {
				return fmt.Errorf("failed to lock %s %s for order %s: %w", amount, quote, p.OrderID, err)
			}
		case orderdomain.SideSell:
			coin, err := accounts.coin(ctx, p.UserID, base, false)
			if err != nil {
				return err
			}
			if err := coin.Lock(p.Quantity); err != nil {
				return fmt.Errorf("failed to lock %s %s for order %s: %w", p.Quantity, base, p.OrderID, err)
			}
		default:
			return fmt.Errorf("%w: unknown order side %q", domain.ErrValidation, p.OrderSide)
		}

		if err := accounts.flush(ctx); err != nil {
			return err
		}
		return s.marker.MarkProcessed(tx, env.EventID)
	})
}

// HandleMarketOrderCreated 市价单下单冻结：
// 买单冻结全部预算，卖单冻结全部委托数量。
func (s *SettlementService) HandleMarketOrderCreated(ctx context.Context, env *event.Envelope) error {
	p := env.Payload
	base, quote, err := domain.SplitSymbol(p.Symbol)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		accounts := newTxAccounts(tx, s.balances, s.coins)

		switch orderdomain.Side(p.OrderSide) {
		case orderdomain.SideBuy:
			bal, err := accounts.balance(ctx, p.UserID, quote, false)
			if err != nil {
				return err
			}
			if err := bal.Lock(p.MarketTotalPrice); err != nil {
				return fmt.Errorf("failed to lock %s %s for order %s: %w", p.MarketTotalPrice, quote, p.OrderID, err)
			}
		case orderdomain.SideSell:
			coin, err := accounts.coin(ctx, p.UserID, base, false)
			if err != nil {
				return err
			}
			if err := coin.Lock(p.MarketTotalQuantity); err != nil {
				return fmt.Errorf("failed to lock %s %s for order %s: %w", p.MarketTotalQuantity, base, p.OrderID, err)
			}
		default:
			return fmt.Errorf("%w: unknown order side %q", domain.ErrValidation, p.OrderSide)
		}

		if err := accounts.flush(ctx); err != nil {
			return err
		}
		return s.marker.MarkProcessed(tx, env.EventID)
	})
}

// HandleTradeCreated 成交清算。
// 买方吃单：买方冻结资金扣除 TakerTotalUsed、可用持仓增加成交量，
// 卖方冻结持仓扣除成交量、可用资金增加 MakerTotalUsed；卖方吃单对称。
// 四个账户变更与幂等标记同一事务，任一失败整体回滚。
func (s *SettlementService) HandleTradeCreated(ctx context.Context, env *event.Envelope) error {
	p := env.Payload
	base, quote, err := domain.SplitSymbol(p.Symbol)
	if err != nil {
		return err
	}

	var buyerID, sellerID string
	var buyerPays, sellerGets decimal.Decimal
	switch orderdomain.Side(p.OrderSide) {
	case orderdomain.SideBuy:
		buyerID, sellerID = p.TakerUserID, p.MakerUserID
		buyerPays, sellerGets = p.TakerTotalUsed, p.MakerTotalUsed
	case orderdomain.SideSell:
		buyerID, sellerID = p.MakerUserID, p.TakerUserID
		buyerPays, sellerGets = p.MakerTotalUsed, p.TakerTotalUsed
	default:
		return fmt.Errorf("%w: unknown trade side %q", domain.ErrValidation, p.OrderSide)
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		accounts := newTxAccounts(tx, s.balances, s.coins)

		buyerBal, err := accounts.balance(ctx, buyerID, quote, false)
		if err != nil {
			return err
		}
		if err := buyerBal.DebitLocked(buyerPays); err != nil {
			return fmt.Errorf("buyer %s locked balance debit %s failed for trade %s: %w", buyerID, buyerPays, p.TradeID, err)
		}

		buyerCoin, err := accounts.coin(ctx, buyerID, base, true)
		if err != nil {
			return err
		}
		if err := buyerCoin.CreditAvailable(p.MatchedQuantity); err != nil {
			return err
		}

		sellerCoin, err := accounts.coin(ctx, sellerID, base, false)
		if err != nil {
			return err
		}
		if err := sellerCoin.DebitLocked(p.MatchedQuantity); err != nil {
			return fmt.Errorf("seller %s locked coin debit %s failed for trade %s: %w", sellerID, p.MatchedQuantity, p.TradeID, err)
		}

		sellerBal, err := accounts.balance(ctx, sellerID, quote, true)
		if err != nil {
			return err
		}
		if err := sellerBal.CreditAvailable(sellerGets); err != nil {
			return err
		}

		if err := accounts.flush(ctx); err != nil {
			return err
		}
		return s.marker.MarkProcessed(tx, env.EventID)
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "Trade settled",
		"trade_id", p.TradeID,
		"symbol", p.Symbol,
		"quantity", p.MatchedQuantity,
		"buyer", buyerID,
		"seller", sellerID,
	)
	return nil
}

// HandleRefund 退款解冻：买方退回冻结资金，卖方退回冻结持仓。
// 覆盖撤单解冻与市价单剩余退回两种来源。
func (s *SettlementService) HandleRefund(ctx context.Context, env *event.Envelope) error {
	p := env.Payload
	base, quote, err := domain.SplitSymbol(p.Symbol)
	if err != nil {
		return err
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		accounts := newTxAccounts(tx, s.balances, s.coins)

		switch orderdomain.Side(p.OrderSide) {
		case orderdomain.SideBuy:
			bal, err := accounts.balance(ctx, p.UserID, quote, false)
			if err != nil {
				return err
			}
			if err := bal.Unlock(p.TotalRemainPrice); err != nil {
				return fmt.Errorf("failed to unlock %s %s for order %s: %w", p.TotalRemainPrice, quote, p.OrderID, err)
			}
		case orderdomain.SideSell:
			coin, err := accounts.coin(ctx, p.UserID, base, false)
			if err != nil {
				return err
			}
			if err := coin.Unlock(p.Quantity); err != nil {
				return fmt.Errorf("failed to unlock %s %s for order %s: %w", p.Quantity, base, p.OrderID, err)
			}
		default:
			return fmt.Errorf("%w: unknown order side %q", domain.ErrValidation, p.OrderSide)
		}

		if err := accounts.flush(ctx); err != nil {
			return err
		}
		return s.marker.MarkProcessed(tx, env.EventID)
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "Refund settled",
		"order_id", p.OrderID,
		"user_id", p.UserID,
		"symbol", p.Symbol,
	)
	return nil
}
