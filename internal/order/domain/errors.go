package domain

import "errors"

var (
	// ErrValidation 请求参数不合法
	ErrValidation = errors.New("validation failed")
	// ErrOrderNotFound 订单不存在
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotOpen 订单不处于可操作状态
	ErrOrderNotOpen = errors.New("order is not open")
	// ErrNotOwner 操作者不是订单属主
	ErrNotOwner = errors.New("order does not belong to user")
	// ErrInvariantViolation 内部不变量被破坏（超额成交等）
	ErrInvariantViolation = errors.New("invariant violation")
)
