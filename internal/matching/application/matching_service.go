// Package application 实现撮合用例：消费订单创建事件，按价格优先、时间优先
// 逐笔成交。每笔成交是一个独立的本地事务（双方订单行锁、成交落库、事件出箱），
// 单笔失败只中止该笔，已提交的成交保持有效。
package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/internal/event"
	"github.com/wyfcoding/cryptoexchange/internal/matching/domain"
	orderdomain "github.com/wyfcoding/cryptoexchange/internal/order/domain"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
	"github.com/wyfcoding/cryptoexchange/pkg/idempotent"
	"github.com/wyfcoding/cryptoexchange/pkg/idgen"
	"github.com/wyfcoding/cryptoexchange/pkg/logger"
	"github.com/wyfcoding/cryptoexchange/pkg/metrics"
)

// 控制撮合循环的内部信号
var (
	// errFillSkipped 该对手单已不可成交，跳到下一个候选
	errFillSkipped = errors.New("fill skipped")
	// errTakerClosed 吃单已不在 OPEN 状态，停止撮合
	errTakerClosed = errors.New("taker order closed")
	// errBudgetExhausted 市价买单剩余预算不足以吃下任何数量
	errBudgetExhausted = errors.New("market buy budget exhausted")
)

// TxRunner 本地事务执行接口，由 db.DB 实现
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// EventPublisher 发件箱写入接口，由 outbox.Publisher 实现
type EventPublisher interface {
	Publish(tx *gorm.DB, eventType event.Type, shardKey string, payload event.Payload) (string, error)
}

// Waker 发件箱中继唤醒接口
type Waker interface {
	Wake(shardKey string)
}

// MatchingService 撮合应用服务
type MatchingService struct {
	db         TxRunner
	orders     orderdomain.OrderRepository
	candidates domain.CandidateRepository
	trades     domain.TradeRepository
	outbox     EventPublisher
	relay      Waker
	fees       fee.Schedule
	batchSize  int
	marker     idempotent.Marker
	metrics    *metrics.Metrics
}

// NewMatchingService 创建撮合应用服务
func NewMatchingService(
	database TxRunner,
	orders orderdomain.OrderRepository,
	candidates domain.CandidateRepository,
	trades domain.TradeRepository,
	pub EventPublisher,
	relay Waker,
	fees fee.Schedule,
	batchSize int,
	marker idempotent.Marker,
	m *metrics.Metrics,
) *MatchingService {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &MatchingService{
		db:         database,
		orders:     orders,
		candidates: candidates,
		trades:     trades,
		outbox:     pub,
		relay:      relay,
		fees:       fees,
		batchSize:  batchSize,
		marker:     marker,
		metrics:    m,
	}
}

// HandleLimitOrderCreated 处理限价单创建事件
func (s *MatchingService) HandleLimitOrderCreated(ctx context.Context, env *event.Envelope) error {
	return s.match(ctx, env.EventID, env.Payload.OrderID)
}

// HandleMarketOrderCreated 处理市价单创建事件
func (s *MatchingService) HandleMarketOrderCreated(ctx context.Context, env *event.Envelope) error {
	return s.match(ctx, env.EventID, env.Payload.OrderID)
}

// fillResult 单笔成交结果
type fillResult struct {
	taker *orderdomain.Order
	qty   decimal.Decimal
	// cost 吃单方本笔消耗的金额（含费用），仅买方有意义
	cost decimal.Decimal
}

// match 对一个新订单执行撮合循环。
// 每笔成交独立提交，因此事件重投后可以从当前剩余量继续，天然可恢复；
// 市价买单的剩余预算通过已成交金额反推，不依赖内存状态。
func (s *MatchingService) match(ctx context.Context, eventID, orderID string) error {
	taker, err := s.orders.GetByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load taker order %s: %w", orderID, err)
	}
	if !taker.IsOpen() {
		// 已被撤销或此前的投递已撮合完毕
		return s.markProcessedOnly(ctx, eventID)
	}

	isMarketBuy := taker.Type == orderdomain.TypeMarket && taker.Side == orderdomain.SideBuy
	var budget *decimal.Decimal
	if isMarketBuy {
		spent, err := s.trades.SumTakerSpend(ctx, taker.OrderID)
		if err != nil {
			return fmt.Errorf("failed to recover market buy budget: %w", err)
		}
		b := taker.MarketTotalPrice.Sub(spent)
		budget = &b
	}

matching:
	for taker.IsOpen() {
		if isMarketBuy && budget.LessThanOrEqual(decimal.Zero) {
			break
		}

		cands, err := s.fetchCandidates(ctx, taker)
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			break
		}

		progressed := false
		for _, cand := range cands {
			res, err := s.executeFill(ctx, taker.OrderID, cand.OrderID, budget)
			switch {
			case errors.Is(err, errFillSkipped):
				continue
			case errors.Is(err, errTakerClosed):
				break matching
			case errors.Is(err, errBudgetExhausted):
				break matching
			case errors.Is(err, orderdomain.ErrInvariantViolation):
				// 单笔成交中止，已提交的成交不受影响
				logger.Error(ctx, "Fill aborted on invariant violation",
					"taker_order_id", taker.OrderID,
					"maker_order_id", cand.OrderID,
					"error", err,
				)
				continue
			case err != nil:
				return err
			}

			progressed = true
			s.relay.Wake(taker.Symbol)
			if s.metrics != nil {
				s.metrics.TradesTotal.Inc()
			}
			taker = res.taker
			if isMarketBuy {
				b := budget.Sub(res.cost)
				budget = &b
				if b.LessThanOrEqual(decimal.Zero) {
					break matching
				}
			}
			if !taker.IsOpen() {
				break matching
			}
		}
		if !progressed {
			break
		}
	}

	if taker.Type == orderdomain.TypeMarket {
		return s.finalizeMarket(ctx, eventID, taker.OrderID)
	}
	return s.markProcessedOnly(ctx, eventID)
}

// fetchCandidates 取当前最优对手单批次
func (s *MatchingService) fetchCandidates(ctx context.Context, taker *orderdomain.Order) ([]*orderdomain.Order, error) {
	var bound *decimal.Decimal
	if taker.Type == orderdomain.TypeLimit {
		p := taker.Price
		bound = &p
	}
	if taker.Side == orderdomain.SideBuy {
		return s.candidates.FindSellCandidates(ctx, taker.Symbol, bound, s.batchSize)
	}
	return s.candidates.FindBuyCandidates(ctx, taker.Symbol, bound, s.batchSize)
}

// executeFill 在单个事务内完成一笔成交：
// 锁双方订单行、复核状态与价格、累计成交量、落成交记录并出箱成交事件。
func (s *MatchingService) executeFill(ctx context.Context, takerID, makerID string, budget *decimal.Decimal) (*fillResult, error) {
	var res *fillResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		taker, err := s.orders.GetForUpdate(ctx, tx, takerID)
		if err != nil {
			return err
		}
		maker, err := s.orders.GetForUpdate(ctx, tx, makerID)
		if err != nil {
			if errors.Is(err, orderdomain.ErrOrderNotFound) {
				return errFillSkipped
			}
			return err
		}

		if !taker.IsOpen() {
			return errTakerClosed
		}
		// 候选查询到加锁之间对手单可能已被吃完或撤销
		if !maker.IsOpen() || !domain.Crosses(taker, maker) {
			return errFillSkipped
		}

		qty := domain.MatchQuantity(taker, maker, budget, s.fees)
		if qty.LessThanOrEqual(decimal.Zero) {
			if budget != nil {
				return errBudgetExhausted
			}
			return errFillSkipped
		}

		if err := maker.Fill(qty); err != nil {
			return fmt.Errorf("maker %s overfill: %w", maker.OrderID, err)
		}
		if err := taker.Fill(qty); err != nil {
			return fmt.Errorf("taker %s overfill: %w", taker.OrderID, err)
		}

		trade := domain.BuildTrade(idgen.TradeID(), taker, maker, qty, s.fees)
		if err := s.trades.Create(ctx, tx, trade); err != nil {
			return fmt.Errorf("failed to create trade: %w", err)
		}
		if err := s.orders.Update(ctx, tx, taker); err != nil {
			return fmt.Errorf("failed to update taker order: %w", err)
		}
		if err := s.orders.Update(ctx, tx, maker); err != nil {
			return fmt.Errorf("failed to update maker order: %w", err)
		}

		_, err = s.outbox.Publish(tx, event.TypeTradeCreated, trade.Symbol, event.Payload{
			TradeID:         trade.TradeID,
			Symbol:          trade.Symbol,
			OrderSide:       string(trade.Side),
			Price:           trade.Price,
			MatchedQuantity: trade.Quantity,
			TakerID:         trade.TakerOrderID,
			MakerID:         trade.MakerOrderID,
			TakerUserID:     trade.TakerUserID,
			MakerUserID:     trade.MakerUserID,
			TakerTotalUsed:  trade.TakerTotalUsed(),
			MakerTotalUsed:  trade.MakerTotalUsed(),
		})
		if err != nil {
			return err
		}

		logger.Info(ctx, "Trade matched",
			"trade_id", trade.TradeID,
			"symbol", trade.Symbol,
			"price", trade.Price,
			"quantity", trade.Quantity,
			"taker_order_id", trade.TakerOrderID,
			"maker_order_id", trade.MakerOrderID,
		)
		res = &fillResult{taker: taker, qty: qty, cost: trade.TakerTotalUsed()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// finalizeMarket 市价单收尾：市价单从不留在簿上，
// 未吃完的剩余（买方剩余预算、卖方剩余数量）出箱退款事件并置为终态。
// 与幂等标记同一事务提交。
func (s *MatchingService) finalizeMarket(ctx context.Context, eventID, takerID string) error {
	var refunded bool
	var symbol string
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		taker, err := s.orders.GetForUpdate(ctx, tx, takerID)
		if err != nil {
			return err
		}
		symbol = taker.Symbol

		if taker.IsOpen() {
			payload := event.Payload{
				OrderID:   taker.OrderID,
				UserID:    taker.UserID,
				Symbol:    taker.Symbol,
				OrderSide: string(taker.Side),
			}
			remainder := decimal.Zero
			if taker.Side == orderdomain.SideBuy {
				spent, err := s.trades.SumTakerSpend(ctx, taker.OrderID)
				if err != nil {
					return err
				}
				remainder = taker.MarketTotalPrice.Sub(spent)
				payload.TotalRemainPrice = remainder
			} else {
				remainder = taker.Remaining()
				payload.Quantity = remainder
			}

			if remainder.GreaterThan(decimal.Zero) {
				if _, err := s.outbox.Publish(tx, event.TypeSettlementRefund, taker.Symbol, payload); err != nil {
					return err
				}
				taker.Status = orderdomain.StatusCancelled
				refunded = true
			} else {
				taker.Status = orderdomain.StatusFilled
			}
			if err := s.orders.Update(ctx, tx, taker); err != nil {
				return err
			}
		}

		return s.marker.MarkProcessed(tx, eventID)
	})
	if err != nil {
		return err
	}

	if refunded {
		s.relay.Wake(symbol)
		if s.metrics != nil {
			s.metrics.RefundsTotal.Inc()
		}
		logger.Info(ctx, "Market order remainder refunded", "order_id", takerID)
	}
	return nil
}

// markProcessedOnly 仅写入幂等标记
func (s *MatchingService) markProcessedOnly(ctx context.Context, eventID string) error {
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.marker.MarkProcessed(tx, eventID)
	})
}
