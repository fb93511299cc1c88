package application

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/internal/event"
	"github.com/wyfcoding/cryptoexchange/internal/matching/domain"
	orderdomain "github.com/wyfcoding/cryptoexchange/internal/order/domain"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
	"github.com/wyfcoding/cryptoexchange/pkg/idgen"
)

type txRunnerStub struct{}

func (txRunnerStub) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type memOrders struct {
	m map[string]*orderdomain.Order
}

func newMemOrders() *memOrders {
	return &memOrders{m: map[string]*orderdomain.Order{}}
}

func cloneOrder(o *orderdomain.Order) *orderdomain.Order {
	c := *o
	return &c
}

func (r *memOrders) put(o *orderdomain.Order) {
	r.m[o.OrderID] = cloneOrder(o)
}

func (r *memOrders) Create(_ context.Context, _ *gorm.DB, o *orderdomain.Order) error {
	r.put(o)
	return nil
}

func (r *memOrders) GetByOrderID(_ context.Context, orderID string) (*orderdomain.Order, error) {
	o, ok := r.m[orderID]
	if !ok {
		return nil, orderdomain.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (r *memOrders) GetForUpdate(_ context.Context, _ *gorm.DB, orderID string) (*orderdomain.Order, error) {
	o, ok := r.m[orderID]
	if !ok {
		return nil, orderdomain.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (r *memOrders) Update(_ context.Context, _ *gorm.DB, o *orderdomain.Order) error {
	r.put(o)
	return nil
}

func (r *memOrders) ListByUserID(_ context.Context, userID string, _, _ int) ([]*orderdomain.Order, error) {
	var out []*orderdomain.Order
	for _, o := range r.m {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

type memCandidates struct {
	orders *memOrders
}

func (r *memCandidates) find(symbol string, side orderdomain.Side, bound *decimal.Decimal, limit int, asc bool) []*orderdomain.Order {
	var out []*orderdomain.Order
	for _, o := range r.orders.m {
		if o.Symbol != symbol || o.Side != side || o.Status != orderdomain.StatusOpen || o.Type != orderdomain.TypeLimit {
			continue
		}
		if bound != nil {
			if asc && o.Price.GreaterThan(*bound) {
				continue
			}
			if !asc && o.Price.LessThan(*bound) {
				continue
			}
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Price.Equal(out[j].Price) {
			if asc {
				return out[i].Price.LessThan(out[j].Price)
			}
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memCandidates) FindSellCandidates(_ context.Context, symbol string, maxPrice *decimal.Decimal, limit int) ([]*orderdomain.Order, error) {
	return r.find(symbol, orderdomain.SideSell, maxPrice, limit, true), nil
}

func (r *memCandidates) FindBuyCandidates(_ context.Context, symbol string, minPrice *decimal.Decimal, limit int) ([]*orderdomain.Order, error) {
	return r.find(symbol, orderdomain.SideBuy, minPrice, limit, false), nil
}

type memTrades struct {
	trades []*domain.Trade
}

func (r *memTrades) Create(_ context.Context, _ *gorm.DB, trade *domain.Trade) error {
	c := *trade
	r.trades = append(r.trades, &c)
	return nil
}

func (r *memTrades) SumTakerSpend(_ context.Context, takerOrderID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, t := range r.trades {
		if t.TakerOrderID == takerOrderID {
			sum = sum.Add(t.Price.Mul(t.Quantity).Add(t.TakerFee))
		}
	}
	return sum, nil
}

type memPublisher struct {
	events []*event.Envelope
}

func (p *memPublisher) Publish(_ *gorm.DB, eventType event.Type, _ string, payload event.Payload) (string, error) {
	env := event.NewEnvelope(idgen.EventID(), eventType, payload)
	p.events = append(p.events, env)
	return env.EventID, nil
}

func (p *memPublisher) byType(t event.Type) []*event.Envelope {
	var out []*event.Envelope
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type nopWaker struct{}

func (nopWaker) Wake(string) {}

type memMarker struct {
	marked []string
}

func (m *memMarker) MarkProcessed(_ *gorm.DB, eventID string) error {
	m.marked = append(m.marked, eventID)
	return nil
}

type matchingFixture struct {
	svc    *MatchingService
	orders *memOrders
	trades *memTrades
	pub    *memPublisher
	marker *memMarker
}

func newMatchingFixture(t *testing.T) *matchingFixture {
	t.Helper()
	fees, err := fee.NewSchedule("0.001", "0.001", 8)
	require.NoError(t, err)

	orders := newMemOrders()
	trades := &memTrades{}
	pub := &memPublisher{}
	marker := &memMarker{}
	svc := NewMatchingService(
		txRunnerStub{},
		orders,
		&memCandidates{orders: orders},
		trades,
		pub,
		nopWaker{},
		fees,
		50,
		marker,
		nil,
	)
	return &matchingFixture{svc: svc, orders: orders, trades: trades, pub: pub, marker: marker}
}

func (f *matchingFixture) seedLimit(id uint, orderID, userID string, side orderdomain.Side, price, qty string) {
	o := &orderdomain.Order{
		OrderID:  orderID,
		UserID:   userID,
		Symbol:   "BTC-USDT",
		Side:     side,
		Type:     orderdomain.TypeLimit,
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
		Status:   orderdomain.StatusOpen,
	}
	o.ID = id
	f.orders.put(o)
}

func limitCreatedEnvelope(orderID string) *event.Envelope {
	return event.NewEnvelope("evt-"+orderID, event.TypeLimitOrderCreated, event.Payload{OrderID: orderID})
}

func marketCreatedEnvelope(orderID string) *event.Envelope {
	return event.NewEnvelope("evt-"+orderID, event.TypeMarketOrderCreated, event.Payload{OrderID: orderID})
}

// 价格优先、时间优先：900×2 先吃，同价位 1000 先挂先吃，部分吃第三档
func TestLimitBuyMatchesByPriceTimePriority(t *testing.T) {
	f := newMatchingFixture(t)
	f.seedLimit(1, "S1", "alice", orderdomain.SideSell, "900", "2")
	f.seedLimit(2, "S2", "bob", orderdomain.SideSell, "1000", "2")
	f.seedLimit(3, "S3", "carol", orderdomain.SideSell, "1000", "5")
	f.seedLimit(4, "B1", "dave", orderdomain.SideBuy, "1000", "5")

	err := f.svc.HandleLimitOrderCreated(context.Background(), limitCreatedEnvelope("B1"))
	require.NoError(t, err)

	require.Len(t, f.trades.trades, 3)

	assert.Equal(t, "S1", f.trades.trades[0].MakerOrderID)
	assert.Equal(t, "900", f.trades.trades[0].Price.String())
	assert.Equal(t, "2", f.trades.trades[0].Quantity.String())

	assert.Equal(t, "S2", f.trades.trades[1].MakerOrderID)
	assert.Equal(t, "1000", f.trades.trades[1].Price.String())
	assert.Equal(t, "2", f.trades.trades[1].Quantity.String())

	assert.Equal(t, "S3", f.trades.trades[2].MakerOrderID)
	assert.Equal(t, "1000", f.trades.trades[2].Price.String())
	assert.Equal(t, "1", f.trades.trades[2].Quantity.String())

	taker, _ := f.orders.GetByOrderID(context.Background(), "B1")
	assert.Equal(t, orderdomain.StatusFilled, taker.Status)

	s3, _ := f.orders.GetByOrderID(context.Background(), "S3")
	assert.Equal(t, orderdomain.StatusOpen, s3.Status)
	assert.Equal(t, "4", s3.Remaining().String())

	assert.Len(t, f.pub.byType(event.TypeTradeCreated), 3)
	assert.Equal(t, []string{"evt-B1"}, f.marker.marked)
}

// 无对手价时限价单留在簿上
func TestLimitOrderRestsWhenNoCross(t *testing.T) {
	f := newMatchingFixture(t)
	f.seedLimit(1, "S1", "alice", orderdomain.SideSell, "1100", "2")
	f.seedLimit(2, "B1", "bob", orderdomain.SideBuy, "1000", "5")

	err := f.svc.HandleLimitOrderCreated(context.Background(), limitCreatedEnvelope("B1"))
	require.NoError(t, err)

	assert.Empty(t, f.trades.trades)
	taker, _ := f.orders.GetByOrderID(context.Background(), "B1")
	assert.Equal(t, orderdomain.StatusOpen, taker.Status)
	assert.Equal(t, []string{"evt-B1"}, f.marker.marked)
}

// 市价买单按预算吃单，预算花尽即终止
func TestMarketBuyConsumesExactBudget(t *testing.T) {
	f := newMatchingFixture(t)
	f.seedLimit(1, "S1", "alice", orderdomain.SideSell, "1000", "5")

	mkt := &orderdomain.Order{
		OrderID:          "M1",
		UserID:           "bob",
		Symbol:           "BTC-USDT",
		Side:             orderdomain.SideBuy,
		Type:             orderdomain.TypeMarket,
		MarketTotalPrice: decimal.RequireFromString("2002"),
		Status:           orderdomain.StatusOpen,
	}
	mkt.ID = 2
	f.orders.put(mkt)

	err := f.svc.HandleMarketOrderCreated(context.Background(), marketCreatedEnvelope("M1"))
	require.NoError(t, err)

	require.Len(t, f.trades.trades, 1)
	assert.Equal(t, "2", f.trades.trades[0].Quantity.String())
	assert.Equal(t, "2", f.trades.trades[0].TakerFee.String())

	taker, _ := f.orders.GetByOrderID(context.Background(), "M1")
	assert.Equal(t, orderdomain.StatusFilled, taker.Status, "budget fully consumed, nothing to refund")
	assert.Empty(t, f.pub.byType(event.TypeSettlementRefund))
}

// 簿上流动性不足时，市价买单剩余预算退回
func TestMarketBuyRefundsRemainderBudget(t *testing.T) {
	f := newMatchingFixture(t)
	f.seedLimit(1, "S1", "alice", orderdomain.SideSell, "1000", "2")

	mkt := &orderdomain.Order{
		OrderID:          "M1",
		UserID:           "bob",
		Symbol:           "BTC-USDT",
		Side:             orderdomain.SideBuy,
		Type:             orderdomain.TypeMarket,
		MarketTotalPrice: decimal.RequireFromString("5000"),
		Status:           orderdomain.StatusOpen,
	}
	mkt.ID = 2
	f.orders.put(mkt)

	err := f.svc.HandleMarketOrderCreated(context.Background(), marketCreatedEnvelope("M1"))
	require.NoError(t, err)

	require.Len(t, f.trades.trades, 1)

	refunds := f.pub.byType(event.TypeSettlementRefund)
	require.Len(t, refunds, 1)
	// 5000 - (2000 + 2) = 2998
	assert.Equal(t, "2998", refunds[0].Payload.TotalRemainPrice.String())
	assert.Equal(t, "bob", refunds[0].Payload.UserID)

	taker, _ := f.orders.GetByOrderID(context.Background(), "M1")
	assert.Equal(t, orderdomain.StatusCancelled, taker.Status, "market orders never rest")
}

// 市价卖单剩余数量退回
func TestMarketSellRefundsRemainderQuantity(t *testing.T) {
	f := newMatchingFixture(t)
	f.seedLimit(1, "B1", "alice", orderdomain.SideBuy, "900", "2")

	mkt := &orderdomain.Order{
		OrderID:             "M1",
		UserID:              "bob",
		Symbol:              "BTC-USDT",
		Side:                orderdomain.SideSell,
		Type:                orderdomain.TypeMarket,
		Quantity:            decimal.RequireFromString("5"),
		MarketTotalQuantity: decimal.RequireFromString("5"),
		Status:              orderdomain.StatusOpen,
	}
	mkt.ID = 2
	f.orders.put(mkt)

	err := f.svc.HandleMarketOrderCreated(context.Background(), marketCreatedEnvelope("M1"))
	require.NoError(t, err)

	require.Len(t, f.trades.trades, 1)
	assert.Equal(t, "900", f.trades.trades[0].Price.String())
	assert.Equal(t, "2", f.trades.trades[0].Quantity.String())
	assert.Equal(t, orderdomain.SideSell, f.trades.trades[0].Side)

	refunds := f.pub.byType(event.TypeSettlementRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, "3", refunds[0].Payload.Quantity.String())
}

// 事件到达前被撤销的订单只写幂等标记
func TestCancelledTakerSkipsMatching(t *testing.T) {
	f := newMatchingFixture(t)
	f.seedLimit(1, "S1", "alice", orderdomain.SideSell, "900", "2")

	cancelled := &orderdomain.Order{
		OrderID:  "B1",
		UserID:   "bob",
		Symbol:   "BTC-USDT",
		Side:     orderdomain.SideBuy,
		Type:     orderdomain.TypeLimit,
		Price:    decimal.RequireFromString("1000"),
		Quantity: decimal.RequireFromString("5"),
		Status:   orderdomain.StatusCancelled,
	}
	cancelled.ID = 2
	f.orders.put(cancelled)

	err := f.svc.HandleLimitOrderCreated(context.Background(), limitCreatedEnvelope("B1"))
	require.NoError(t, err)

	assert.Empty(t, f.trades.trades)
	assert.Equal(t, []string{"evt-B1"}, f.marker.marked)
}

// 事件重投后撮合从当前剩余量继续，不产生重复成交
func TestRedeliveryResumesWithoutDuplicateFills(t *testing.T) {
	f := newMatchingFixture(t)
	f.seedLimit(1, "S1", "alice", orderdomain.SideSell, "900", "2")
	f.seedLimit(2, "S2", "bob", orderdomain.SideSell, "1000", "3")
	f.seedLimit(3, "B1", "carol", orderdomain.SideBuy, "1000", "5")

	env := limitCreatedEnvelope("B1")
	require.NoError(t, f.svc.HandleLimitOrderCreated(context.Background(), env))
	require.Len(t, f.trades.trades, 2)

	// 重投同一事件：吃单已 FILLED，只补幂等标记
	require.NoError(t, f.svc.HandleLimitOrderCreated(context.Background(), env))
	assert.Len(t, f.trades.trades, 2)

	total := decimal.Zero
	for _, tr := range f.trades.trades {
		total = total.Add(tr.Quantity)
	}
	assert.Equal(t, "5", total.String(), fmt.Sprintf("trades: %v", f.trades.trades))
}
