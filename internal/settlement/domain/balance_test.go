package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBalance(available, locked string) *UserBalance {
	return &UserBalance{
		UserID:    "u1",
		Currency:  "USDT",
		Available: decimal.RequireFromString(available),
		Locked:    decimal.RequireFromString(locked),
	}
}

func TestBalanceLock(t *testing.T) {
	b := newBalance("100", "0")

	require.NoError(t, b.Lock(decimal.RequireFromString("60")))
	assert.Equal(t, "40", b.Available.String())
	assert.Equal(t, "60", b.Locked.String())

	assert.ErrorIs(t, b.Lock(decimal.RequireFromString("50")), ErrInsufficientFunds)
	// 失败的冻结不改变余额
	assert.Equal(t, "40", b.Available.String())
	assert.Equal(t, "60", b.Locked.String())
}

func TestBalanceUnlock(t *testing.T) {
	b := newBalance("0", "100")

	require.NoError(t, b.Unlock(decimal.RequireFromString("30")))
	assert.Equal(t, "30", b.Available.String())
	assert.Equal(t, "70", b.Locked.String())

	assert.ErrorIs(t, b.Unlock(decimal.RequireFromString("71")), ErrInvariantViolation)
}

func TestBalanceDebitLocked(t *testing.T) {
	b := newBalance("0", "100")

	require.NoError(t, b.DebitLocked(decimal.RequireFromString("100")))
	assert.True(t, b.Locked.IsZero())

	assert.ErrorIs(t, b.DebitLocked(decimal.RequireFromString("0.00000001")), ErrInvariantViolation)
}

func TestBalanceRejectsNegativeAmounts(t *testing.T) {
	b := newBalance("100", "100")
	neg := decimal.RequireFromString("-1")

	assert.ErrorIs(t, b.Lock(neg), ErrInvariantViolation)
	assert.ErrorIs(t, b.Unlock(neg), ErrInvariantViolation)
	assert.ErrorIs(t, b.DebitLocked(neg), ErrInvariantViolation)
	assert.ErrorIs(t, b.CreditAvailable(neg), ErrInvariantViolation)
}

func TestCoinLifecycle(t *testing.T) {
	c := &UserCoin{
		UserID:    "u1",
		Coin:      "BTC",
		Available: decimal.RequireFromString("5"),
	}

	require.NoError(t, c.Lock(decimal.RequireFromString("5")))
	assert.ErrorIs(t, c.Lock(decimal.RequireFromString("1")), ErrInsufficientQuantity)

	require.NoError(t, c.DebitLocked(decimal.RequireFromString("3")))
	require.NoError(t, c.Unlock(decimal.RequireFromString("2")))
	assert.Equal(t, "2", c.Available.String())
	assert.True(t, c.Locked.IsZero())

	assert.ErrorIs(t, c.DebitLocked(decimal.RequireFromString("1")), ErrInvariantViolation)
}

func TestSplitSymbol(t *testing.T) {
	base, quote, err := SplitSymbol("BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	for _, bad := range []string{"", "BTC", "BTC-", "-USDT", "BTC-USDT-X"} {
		_, _, err := SplitSymbol(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}
