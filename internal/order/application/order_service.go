// Package application 编排订单用例：下单与发件箱记录同事务落库，提交后唤醒中继。
package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/internal/event"
	"github.com/wyfcoding/cryptoexchange/internal/order/domain"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
	"github.com/wyfcoding/cryptoexchange/pkg/idgen"
	"github.com/wyfcoding/cryptoexchange/pkg/logger"
	"github.com/wyfcoding/cryptoexchange/pkg/metrics"
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

// CreateLimitOrderRequest 创建限价单请求
type CreateLimitOrderRequest struct {
	UserID   string `json:"-"`
	Symbol   string `json:"symbol" binding:"required"`
	Side     string `json:"side" binding:"required"`
	Price    string `json:"price" binding:"required"`
	Quantity string `json:"quantity" binding:"required"`
}

// CreateMarketOrderRequest 创建市价单请求
// 买入按 total_price 预算，卖出按 total_quantity 数量。
type CreateMarketOrderRequest struct {
	UserID        string `json:"-"`
	Symbol        string `json:"symbol" binding:"required"`
	Side          string `json:"side" binding:"required"`
	TotalPrice    string `json:"total_price"`
	TotalQuantity string `json:"total_quantity"`
}

// OrderDTO 订单视图
type OrderDTO struct {
	OrderID             string `json:"order_id"`
	UserID              string `json:"user_id"`
	Symbol              string `json:"symbol"`
	Side                string `json:"side"`
	Type                string `json:"type"`
	Price               string `json:"price"`
	Quantity            string `json:"quantity"`
	FilledQuantity      string `json:"filled_quantity"`
	MarketTotalPrice    string `json:"market_total_price,omitempty"`
	MarketTotalQuantity string `json:"market_total_quantity,omitempty"`
	Status              string `json:"status"`
	CreatedAt           string `json:"created_at"`
}

// OrderService 订单应用服务
type OrderService struct {
	db      TxRunner
	repo    domain.OrderRepository
	outbox  EventPublisher
	relay   Waker
	fees    fee.Schedule
	metrics *metrics.Metrics
}

// NewOrderService 创建订单应用服务
func NewOrderService(
	database TxRunner,
	repo domain.OrderRepository,
	pub EventPublisher,
	relay Waker,
	fees fee.Schedule,
	m *metrics.Metrics,
) *OrderService {
	return &OrderService{
		db:      database,
		repo:    repo,
		outbox:  pub,
		relay:   relay,
		fees:    fees,
		metrics: m,
	}
}

// CreateLimitOrder 创建限价单
// 订单与事件记录在同一事务提交，保证"订单已落库则事件必达"。
func (s *OrderService) CreateLimitOrder(ctx context.Context, req *CreateLimitOrderRequest) (*OrderDTO, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	if err := validateSymbol(req.Symbol); err != nil {
		return nil, err
	}
	price, err := parsePositiveDecimal(req.Price, "price")
	if err != nil {
		return nil, err
	}
	qty, err := parsePositiveDecimal(req.Quantity, "quantity")
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		OrderID:  idgen.OrderID(),
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Side:     side,
		Type:     domain.TypeLimit,
		Price:    price,
		Quantity: qty,
		Status:   domain.StatusOpen,
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		_, err := s.outbox.Publish(tx, event.TypeLimitOrderCreated, order.Symbol, event.Payload{
			OrderID:   order.OrderID,
			UserID:    order.UserID,
			Symbol:    order.Symbol,
			OrderSide: string(order.Side),
			Price:     order.Price,
			Quantity:  order.Quantity,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.relay.Wake(order.Symbol)
	if s.metrics != nil {
		s.metrics.OrdersTotal.Inc()
	}
	logger.Info(ctx, "Limit order created",
		"order_id", order.OrderID,
		"user_id", order.UserID,
		"symbol", order.Symbol,
		"side", order.Side,
		"price", order.Price,
		"quantity", order.Quantity,
	)
	return toDTO(order), nil
}

// CreateMarketOrder 创建市价单
func (s *OrderService) CreateMarketOrder(ctx context.Context, req *CreateMarketOrderRequest) (*OrderDTO, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	if err := validateSymbol(req.Symbol); err != nil {
		return nil, err
	}

	order := &domain.Order{
		OrderID: idgen.OrderID(),
		UserID:  req.UserID,
		Symbol:  req.Symbol,
		Side:    side,
		Type:    domain.TypeMarket,
		Status:  domain.StatusOpen,
	}

	switch side {
	case domain.SideBuy:
		budget, err := parsePositiveDecimal(req.TotalPrice, "total_price")
		if err != nil {
			return nil, err
		}
		order.MarketTotalPrice = budget
	case domain.SideSell:
		qty, err := parsePositiveDecimal(req.TotalQuantity, "total_quantity")
		if err != nil {
			return nil, err
		}
		order.MarketTotalQuantity = qty
		order.Quantity = qty
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		_, err := s.outbox.Publish(tx, event.TypeMarketOrderCreated, order.Symbol, event.Payload{
			OrderID:             order.OrderID,
			UserID:              order.UserID,
			Symbol:              order.Symbol,
			OrderSide:           string(order.Side),
			MarketTotalPrice:    order.MarketTotalPrice,
			MarketTotalQuantity: order.MarketTotalQuantity,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.relay.Wake(order.Symbol)
	if s.metrics != nil {
		s.metrics.OrdersTotal.Inc()
	}
	logger.Info(ctx, "Market order created",
		"order_id", order.OrderID,
		"user_id", order.UserID,
		"symbol", order.Symbol,
		"side", order.Side,
	)
	return toDTO(order), nil
}

// CancelOrder 撤销限价单并解锁剩余冻结资产。
// 撤单与退款事件同事务提交；行锁与撮合的逐笔成交事务互斥，
// 因此不会撤掉一个正在成交的剩余量。
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID string) (*OrderDTO, error) {
	var cancelled *domain.Order
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.repo.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return domain.ErrNotOwner
		}
		if order.Type == domain.TypeMarket {
			return fmt.Errorf("%w: market orders cannot be cancelled", domain.ErrValidation)
		}
		if err := order.Cancel(); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, order); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}

		payload := event.Payload{
			OrderID:   order.OrderID,
			UserID:    order.UserID,
			Symbol:    order.Symbol,
			OrderSide: string(order.Side),
		}
		if order.Side == domain.SideBuy {
			payload.TotalRemainPrice = s.fees.BuyLockAmount(order.Price, order.Remaining())
		} else {
			payload.Quantity = order.Remaining()
		}
		if _, err := s.outbox.Publish(tx, event.TypeSettlementRefund, order.Symbol, payload); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.relay.Wake(cancelled.Symbol)
	logger.Info(ctx, "Order cancelled",
		"order_id", cancelled.OrderID,
		"user_id", cancelled.UserID,
		"remaining", cancelled.Remaining(),
	)
	return toDTO(cancelled), nil
}

// GetOrder 查询订单
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID string) (*OrderDTO, error) {
	order, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, domain.ErrNotOwner
	}
	return toDTO(order), nil
}

// ListOrders 查询用户订单列表
func (s *OrderService) ListOrders(ctx context.Context, userID string, limit, offset int) ([]*OrderDTO, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	orders, err := s.repo.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	dtos := make([]*OrderDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, toDTO(o))
	}
	return dtos, nil
}

func parseSide(raw string) (domain.Side, error) {
	side := domain.Side(strings.ToUpper(raw))
	if !side.Valid() {
		return "", fmt.Errorf("%w: invalid side %q", domain.ErrValidation, raw)
	}
	return side, nil
}

func validateSymbol(symbol string) error {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: invalid symbol %q", domain.ErrValidation, symbol)
	}
	return nil
}

func parsePositiveDecimal(raw, field string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid %s %q", domain.ErrValidation, field, raw)
	}
	if d.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: %s must be positive", domain.ErrValidation, field)
	}
	return d, nil
}

func toDTO(o *domain.Order) *OrderDTO {
	dto := &OrderDTO{
		OrderID:        o.OrderID,
		UserID:         o.UserID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Price:          o.Price.String(),
		Quantity:       o.Quantity.String(),
		FilledQuantity: o.FilledQuantity.String(),
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if o.Type == domain.TypeMarket {
		dto.MarketTotalPrice = o.MarketTotalPrice.String()
		dto.MarketTotalQuantity = o.MarketTotalQuantity.String()
	}
	return dto
}
