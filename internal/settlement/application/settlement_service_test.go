package application

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/internal/event"
	"github.com/wyfcoding/cryptoexchange/internal/settlement/domain"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
)

type txRunnerStub struct{}

func (txRunnerStub) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type memBalances struct {
	m map[string]*domain.UserBalance
}

func balanceKey(userID, currency string) string {
	return userID + "/" + currency
}

func (r *memBalances) GetForUpdate(_ context.Context, _ *gorm.DB, userID, currency string) (*domain.UserBalance, error) {
	b, ok := r.m[balanceKey(userID, currency)]
	if !ok {
		return nil, domain.ErrBalanceNotFound
	}
	c := *b
	return &c, nil
}

func (r *memBalances) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID, currency string) (*domain.UserBalance, error) {
	if b, err := r.GetForUpdate(ctx, tx, userID, currency); err == nil {
		return b, nil
	}
	return &domain.UserBalance{UserID: userID, Currency: currency}, nil
}

func (r *memBalances) Save(_ context.Context, _ *gorm.DB, b *domain.UserBalance) error {
	c := *b
	r.m[balanceKey(b.UserID, b.Currency)] = &c
	return nil
}

func (r *memBalances) Get(ctx context.Context, userID, currency string) (*domain.UserBalance, error) {
	return r.GetForUpdate(ctx, nil, userID, currency)
}

func (r *memBalances) ListByUserID(_ context.Context, userID string) ([]*domain.UserBalance, error) {
	var out []*domain.UserBalance
	for _, b := range r.m {
		if b.UserID == userID {
			c := *b
			out = append(out, &c)
		}
	}
	return out, nil
}

type memCoins struct {
	m map[string]*domain.UserCoin
}

func (r *memCoins) GetForUpdate(_ context.Context, _ *gorm.DB, userID, coin string) (*domain.UserCoin, error) {
	c, ok := r.m[balanceKey(userID, coin)]
	if !ok {
		return nil, domain.ErrCoinNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memCoins) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID, coin string) (*domain.UserCoin, error) {
	if c, err := r.GetForUpdate(ctx, tx, userID, coin); err == nil {
		return c, nil
	}
	return &domain.UserCoin{UserID: userID, Coin: coin}, nil
}

func (r *memCoins) Save(_ context.Context, _ *gorm.DB, c *domain.UserCoin) error {
	cp := *c
	r.m[balanceKey(c.UserID, c.Coin)] = &cp
	return nil
}

func (r *memCoins) Get(ctx context.Context, userID, coin string) (*domain.UserCoin, error) {
	return r.GetForUpdate(ctx, nil, userID, coin)
}

func (r *memCoins) ListByUserID(_ context.Context, userID string) ([]*domain.UserCoin, error) {
	var out []*domain.UserCoin
	for _, c := range r.m {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memMarker struct {
	marked []string
}

func (m *memMarker) MarkProcessed(_ *gorm.DB, eventID string) error {
	m.marked = append(m.marked, eventID)
	return nil
}

type settlementFixture struct {
	svc      *SettlementService
	balances *memBalances
	coins    *memCoins
	marker   *memMarker
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	fees, err := fee.NewSchedule("0.001", "0.001", 8)
	require.NoError(t, err)

	balances := &memBalances{m: map[string]*domain.UserBalance{}}
	coins := &memCoins{m: map[string]*domain.UserCoin{}}
	marker := &memMarker{}
	svc := NewSettlementService(txRunnerStub{}, balances, coins, fees, marker)
	return &settlementFixture{svc: svc, balances: balances, coins: coins, marker: marker}
}

func (f *settlementFixture) seedBalance(userID, currency, available, locked string) {
	f.balances.m[balanceKey(userID, currency)] = &domain.UserBalance{
		UserID:    userID,
		Currency:  currency,
		Available: decimal.RequireFromString(available),
		Locked:    decimal.RequireFromString(locked),
	}
}

func (f *settlementFixture) seedCoin(userID, coin, available, locked string) {
	f.coins.m[balanceKey(userID, coin)] = &domain.UserCoin{
		UserID:    userID,
		Coin:      coin,
		Available: decimal.RequireFromString(available),
		Locked:    decimal.RequireFromString(locked),
	}
}

func (f *settlementFixture) balance(t *testing.T, userID, currency string) *domain.UserBalance {
	t.Helper()
	b, ok := f.balances.m[balanceKey(userID, currency)]
	require.True(t, ok, "balance %s/%s missing", userID, currency)
	return b
}

func (f *settlementFixture) coin(t *testing.T, userID, coin string) *domain.UserCoin {
	t.Helper()
	c, ok := f.coins.m[balanceKey(userID, coin)]
	require.True(t, ok, "coin %s/%s missing", userID, coin)
	return c
}

func TestLimitBuyLocksNotionalPlusFee(t *testing.T) {
	f := newSettlementFixture(t)
	f.seedBalance("alice", "USDT", "6000", "0")

	env := event.NewEnvelope("evt-1", event.TypeLimitOrderCreated, event.Payload{
		OrderID:   "ORD-1",
		UserID:    "alice",
		Symbol:    "BTC-USDT",
		OrderSide: "BUY",
		Price:     decimal.RequireFromString("1000"),
		Quantity:  decimal.RequireFromString("5"),
	})
	require.NoError(t, f.svc.HandleLimitOrderCreated(context.Background(), env))

	b := f.balance(t, "alice", "USDT")
	// 5000 + 5 手续费
	assert.Equal(t, "995", b.Available.String())
	assert.Equal(t, "5005", b.Locked.String())
	assert.Equal(t, []string{"evt-1"}, f.marker.marked)
}

func TestLimitSellLocksQuantity(t *testing.T) {
	f := newSettlementFixture(t)
	f.seedCoin("bob", "BTC", "10", "0")

	env := event.NewEnvelope("evt-1", event.TypeLimitOrderCreated, event.Payload{
		OrderID:   "ORD-1",
		UserID:    "bob",
		Symbol:    "BTC-USDT",
		OrderSide: "SELL",
		Price:     decimal.RequireFromString("1000"),
		Quantity:  decimal.RequireFromString("4"),
	})
	require.NoError(t, f.svc.HandleLimitOrderCreated(context.Background(), env))

	c := f.coin(t, "bob", "BTC")
	assert.Equal(t, "6", c.Available.String())
	assert.Equal(t, "4", c.Locked.String())
}

func TestLockFailsOnInsufficientFunds(t *testing.T) {
	f := newSettlementFixture(t)
	f.seedBalance("alice", "USDT", "100", "0")

	env := event.NewEnvelope("evt-1", event.TypeLimitOrderCreated, event.Payload{
		OrderID:   "ORD-1",
		UserID:    "alice",
		Symbol:    "BTC-USDT",
		OrderSide: "BUY",
		Price:     decimal.RequireFromString("1000"),
		Quantity:  decimal.RequireFromString("5"),
	})
	err := f.svc.HandleLimitOrderCreated(context.Background(), env)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	b := f.balance(t, "alice", "USDT")
	assert.Equal(t, "100", b.Available.String())
	assert.Empty(t, f.marker.marked, "failed settlement must not be marked processed")
}

func TestMarketOrderLocks(t *testing.T) {
	f := newSettlementFixture(t)
	f.seedBalance("alice", "USDT", "5000", "0")
	f.seedCoin("bob", "BTC", "3", "0")

	buyEnv := event.NewEnvelope("evt-1", event.TypeMarketOrderCreated, event.Payload{
		OrderID:          "ORD-1",
		UserID:           "alice",
		Symbol:           "BTC-USDT",
		OrderSide:        "BUY",
		MarketTotalPrice: decimal.RequireFromString("5000"),
	})
	require.NoError(t, f.svc.HandleMarketOrderCreated(context.Background(), buyEnv))
	assert.Equal(t, "5000", f.balance(t, "alice", "USDT").Locked.String())

	sellEnv := event.NewEnvelope("evt-2", event.TypeMarketOrderCreated, event.Payload{
		OrderID:             "ORD-2",
		UserID:              "bob",
		Symbol:              "BTC-USDT",
		OrderSide:           "SELL",
		MarketTotalQuantity: decimal.RequireFromString("3"),
	})
	require.NoError(t, f.svc.HandleMarketOrderCreated(context.Background(), sellEnv))
	assert.Equal(t, "3", f.coin(t, "bob", "BTC").Locked.String())
}

func tradeEnvelope(side string) *event.Envelope {
	return event.NewEnvelope("evt-t1", event.TypeTradeCreated, event.Payload{
		TradeID:         "TRD-1",
		Symbol:          "BTC-USDT",
		OrderSide:       side,
		Price:           decimal.RequireFromString("1000"),
		MatchedQuantity: decimal.RequireFromString("2"),
		TakerUserID:     "taker",
		MakerUserID:     "maker",
		// 名义金额 2000，双边费率 0.001
		TakerTotalUsed: decimal.RequireFromString("2002"),
		MakerTotalUsed: decimal.RequireFromString("1998"),
	})
}

func TestSettleTradeBuySide(t *testing.T) {
	f := newSettlementFixture(t)
	// taker 为买方：资金已冻结；maker 为卖方：持仓已冻结
	f.seedBalance("taker", "USDT", "0", "2002")
	f.seedCoin("maker", "BTC", "0", "2")

	require.NoError(t, f.svc.HandleTradeCreated(context.Background(), tradeEnvelope("BUY")))

	takerBal := f.balance(t, "taker", "USDT")
	assert.True(t, takerBal.Locked.IsZero())

	takerCoin := f.coin(t, "taker", "BTC")
	assert.Equal(t, "2", takerCoin.Available.String())

	makerCoin := f.coin(t, "maker", "BTC")
	assert.True(t, makerCoin.Locked.IsZero())

	makerBal := f.balance(t, "maker", "USDT")
	assert.Equal(t, "1998", makerBal.Available.String())
}

func TestSettleTradeSellSide(t *testing.T) {
	f := newSettlementFixture(t)
	// taker 为卖方：持仓已冻结；maker 为买方：资金已冻结（含 maker 费）
	f.seedCoin("taker", "BTC", "0", "2")
	f.seedBalance("maker", "USDT", "0", "2002")

	env := event.NewEnvelope("evt-t1", event.TypeTradeCreated, event.Payload{
		TradeID:         "TRD-1",
		Symbol:          "BTC-USDT",
		OrderSide:       "SELL",
		Price:           decimal.RequireFromString("1000"),
		MatchedQuantity: decimal.RequireFromString("2"),
		TakerUserID:     "taker",
		MakerUserID:     "maker",
		TakerTotalUsed:  decimal.RequireFromString("1998"),
		MakerTotalUsed:  decimal.RequireFromString("2002"),
	})
	require.NoError(t, f.svc.HandleTradeCreated(context.Background(), env))

	assert.True(t, f.coin(t, "taker", "BTC").Locked.IsZero())
	assert.Equal(t, "1998", f.balance(t, "taker", "USDT").Available.String())
	assert.True(t, f.balance(t, "maker", "USDT").Locked.IsZero())
	assert.Equal(t, "2", f.coin(t, "maker", "BTC").Available.String())
}

func TestSettleTradeRollsBackAtomically(t *testing.T) {
	f := newSettlementFixture(t)
	f.seedBalance("taker", "USDT", "0", "2002")
	// 卖方冻结持仓不足：清算必须整体失败
	f.seedCoin("maker", "BTC", "0", "1")

	err := f.svc.HandleTradeCreated(context.Background(), tradeEnvelope("BUY"))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	// 买方侧的扣减不得单独生效
	assert.Equal(t, "2002", f.balance(t, "taker", "USDT").Locked.String())
	_, coinErr := f.coins.Get(context.Background(), "taker", "BTC")
	assert.ErrorIs(t, coinErr, domain.ErrCoinNotFound)
	assert.Empty(t, f.marker.marked)
}

func TestSettleSelfTrade(t *testing.T) {
	f := newSettlementFixture(t)
	f.seedBalance("alice", "USDT", "0", "2002")
	f.seedCoin("alice", "BTC", "0", "2")

	env := event.NewEnvelope("evt-t1", event.TypeTradeCreated, event.Payload{
		TradeID:         "TRD-1",
		Symbol:          "BTC-USDT",
		OrderSide:       "BUY",
		Price:           decimal.RequireFromString("1000"),
		MatchedQuantity: decimal.RequireFromString("2"),
		TakerUserID:     "alice",
		MakerUserID:     "alice",
		TakerTotalUsed:  decimal.RequireFromString("2002"),
		MakerTotalUsed:  decimal.RequireFromString("1998"),
	})
	require.NoError(t, f.svc.HandleTradeCreated(context.Background(), env))

	bal := f.balance(t, "alice", "USDT")
	assert.True(t, bal.Locked.IsZero())
	assert.Equal(t, "1998", bal.Available.String(), "both legs must land on the same row")

	coin := f.coin(t, "alice", "BTC")
	assert.True(t, coin.Locked.IsZero())
	assert.Equal(t, "2", coin.Available.String())
}

func TestRefundUnlocks(t *testing.T) {
	f := newSettlementFixture(t)
	f.seedBalance("alice", "USDT", "0", "2998")
	f.seedCoin("bob", "BTC", "0", "3")

	buyRefund := event.NewEnvelope("evt-r1", event.TypeSettlementRefund, event.Payload{
		OrderID:          "ORD-1",
		UserID:           "alice",
		Symbol:           "BTC-USDT",
		OrderSide:        "BUY",
		TotalRemainPrice: decimal.RequireFromString("2998"),
	})
	require.NoError(t, f.svc.HandleRefund(context.Background(), buyRefund))
	bal := f.balance(t, "alice", "USDT")
	assert.Equal(t, "2998", bal.Available.String())
	assert.True(t, bal.Locked.IsZero())

	sellRefund := event.NewEnvelope("evt-r2", event.TypeSettlementRefund, event.Payload{
		OrderID:   "ORD-2",
		UserID:    "bob",
		Symbol:    "BTC-USDT",
		OrderSide: "SELL",
		Quantity:  decimal.RequireFromString("3"),
	})
	require.NoError(t, f.svc.HandleRefund(context.Background(), sellRefund))
	coin := f.coin(t, "bob", "BTC")
	assert.Equal(t, "3", coin.Available.String())
	assert.True(t, coin.Locked.IsZero())
}

func TestRefundOverLockedFails(t *testing.T) {
	f := newSettlementFixture(t)
	f.seedBalance("alice", "USDT", "0", "100")

	env := event.NewEnvelope("evt-r1", event.TypeSettlementRefund, event.Payload{
		OrderID:          "ORD-1",
		UserID:           "alice",
		Symbol:           "BTC-USDT",
		OrderSide:        "BUY",
		TotalRemainPrice: decimal.RequireFromString("101"),
	})
	err := f.svc.HandleRefund(context.Background(), env)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Equal(t, "100", f.balance(t, "alice", "USDT").Locked.String())
}

func TestDepositAndQuery(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	dto, err := f.svc.DepositBalance(ctx, "alice", "USDT", "1000")
	require.NoError(t, err)
	assert.Equal(t, "1000", dto.Available)

	_, err = f.svc.DepositBalance(ctx, "alice", "USDT", "-1")
	assert.ErrorIs(t, err, domain.ErrValidation)

	coinDTO, err := f.svc.DepositCoin(ctx, "alice", "BTC", "2")
	require.NoError(t, err)
	assert.Equal(t, "2", coinDTO.Available)

	balances, err := f.svc.ListBalances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Currency)

	coins, err := f.svc.ListCoins(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, coins, 1)
	assert.Equal(t, "BTC", coins[0].Coin)
}
