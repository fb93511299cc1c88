package domain

import (
	"fmt"
	"strings"
)

// SplitSymbol 拆分交易对，如 BTC-USDT 返回基础币 BTC 与计价币 USDT
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: invalid symbol %q", ErrValidation, symbol)
	}
	return parts[0], parts[1], nil
}
