package application

import (
	"context"

	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/internal/settlement/domain"
)

// txAccounts 事务作用域内的账户装载器。
// 同一 (用户, 币种) 在一个事务内只装载一次，自成交时买卖双方落在同一行，
// 两侧变更作用于同一内存实体，避免后写覆盖先写。
type txAccounts struct {
	tx       *gorm.DB
	balances domain.BalanceRepository
	coins    domain.CoinRepository

	loadedBalances map[string]*domain.UserBalance
	loadedCoins    map[string]*domain.UserCoin
}

func newTxAccounts(tx *gorm.DB, balances domain.BalanceRepository, coins domain.CoinRepository) *txAccounts {
	return &txAccounts{
		tx:             tx,
		balances:       balances,
		coins:          coins,
		loadedBalances: make(map[string]*domain.UserBalance),
		loadedCoins:    make(map[string]*domain.UserCoin),
	}
}

// balance 加行锁装载资金账户；create 为 true 时不存在则建零余额账户
func (a *txAccounts) balance(ctx context.Context, userID, currency string, create bool) (*domain.UserBalance, error) {
	key := userID + "/" + currency
	if b, ok := a.loadedBalances[key]; ok {
		return b, nil
	}
	var (
		b   *domain.UserBalance
		err error
	)
	if create {
		b, err = a.balances.GetOrCreateForUpdate(ctx, a.tx, userID, currency)
	} else {
		b, err = a.balances.GetForUpdate(ctx, a.tx, userID, currency)
	}
	if err != nil {
		return nil, err
	}
	a.loadedBalances[key] = b
	return b, nil
}

// coin 加行锁装载持仓账户
func (a *txAccounts) coin(ctx context.Context, userID, coinName string, create bool) (*domain.UserCoin, error) {
	key := userID + "/" + coinName
	if c, ok := a.loadedCoins[key]; ok {
		return c, nil
	}
	var (
		c   *domain.UserCoin
		err error
	)
	if create {
		c, err = a.coins.GetOrCreateForUpdate(ctx, a.tx, userID, coinName)
	} else {
		c, err = a.coins.GetForUpdate(ctx, a.tx, userID, coinName)
	}
	if err != nil {
		return nil, err
	}
	a.loadedCoins[key] = c
	return c, nil
}

// flush 保存所有装载过的账户
func (a *txAccounts) flush(ctx context.Context) error {
	for _, b := range a.loadedBalances {
		if err := a.balances.Save(ctx, a.tx, b); err != nil {
			return err
		}
	}
	for _, c := range a.loadedCoins {
		if err := a.coins.Save(ctx, a.tx, c); err != nil {
			return err
		}
	}
	return nil
}
