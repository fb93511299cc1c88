package application

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/internal/settlement/domain"
	"github.com/wyfcoding/cryptoexchange/pkg/logger"
)

// BalanceDTO 资金账户视图
type BalanceDTO struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// CoinDTO 持仓账户视图
type CoinDTO struct {
	Coin      string `json:"coin"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// DepositBalance 资金入账（充值入口）
func (s *SettlementService) DepositBalance(ctx context.Context, userID, currency, amount string) (*BalanceDTO, error) {
	amt, err := parsePositiveAmount(amount)
	if err != nil {
		return nil, err
	}
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", domain.ErrValidation)
	}

	var result *domain.UserBalance
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		bal, err := s.balances.GetOrCreateForUpdate(ctx, tx, userID, currency)
		if err != nil {
			return err
		}
		if err := bal.CreditAvailable(amt); err != nil {
			return err
		}
		if err := s.balances.Save(ctx, tx, bal); err != nil {
			return err
		}
		result = bal
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "Balance deposited", "user_id", userID, "currency", currency, "amount", amt)
	return toBalanceDTO(result), nil
}

// DepositCoin 持仓入账
func (s *SettlementService) DepositCoin(ctx context.Context, userID, coin, quantity string) (*CoinDTO, error) {
	qty, err := parsePositiveAmount(quantity)
	if err != nil {
		return nil, err
	}
	if coin == "" {
		return nil, fmt.Errorf("%w: coin is required", domain.ErrValidation)
	}

	var result *domain.UserCoin
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		holding, err := s.coins.GetOrCreateForUpdate(ctx, tx, userID, coin)
		if err != nil {
			return err
		}
		if err := holding.CreditAvailable(qty); err != nil {
			return err
		}
		if err := s.coins.Save(ctx, tx, holding); err != nil {
			return err
		}
		result = holding
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "Coin deposited", "user_id", userID, "coin", coin, "quantity", qty)
	return toCoinDTO(result), nil
}

// ListBalances 查询用户资金账户
func (s *SettlementService) ListBalances(ctx context.Context, userID string) ([]*BalanceDTO, error) {
	balances, err := s.balances.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	dtos := make([]*BalanceDTO, 0, len(balances))
	for _, b := range balances {
		dtos = append(dtos, toBalanceDTO(b))
	}
	return dtos, nil
}

// ListCoins 查询用户持仓账户
func (s *SettlementService) ListCoins(ctx context.Context, userID string) ([]*CoinDTO, error) {
	coins, err := s.coins.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	dtos := make([]*CoinDTO, 0, len(coins))
	for _, c := range coins {
		dtos = append(dtos, toCoinDTO(c))
	}
	return dtos, nil
}

func parsePositiveAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", domain.ErrValidation)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid amount %q", domain.ErrValidation, raw)
	}
	if d.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	return d, nil
}

func toBalanceDTO(b *domain.UserBalance) *BalanceDTO {
	return &BalanceDTO{
		Currency:  b.Currency,
		Available: b.Available.String(),
		Locked:    b.Locked.String(),
	}
}

func toCoinDTO(c *domain.UserCoin) *CoinDTO {
	return &CoinDTO{
		Coin:      c.Coin,
		Available: c.Available.String(),
		Locked:    c.Locked.String(),
	}
}
