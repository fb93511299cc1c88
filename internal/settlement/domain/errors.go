package domain

import "errors"

var (
	// ErrValidation 请求参数不合法
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientFunds 可用余额不足
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientQuantity 可用持仓不足
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	// ErrBalanceNotFound 资金账户不存在
	ErrBalanceNotFound = errors.New("balance not found")
	// ErrCoinNotFound 持仓账户不存在
	ErrCoinNotFound = errors.New("coin holding not found")
	// ErrInvariantViolation 账户不变量被破坏（冻结不足以扣减等）
	ErrInvariantViolation = errors.New("invariant violation")
)
