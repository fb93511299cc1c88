// Package consumer 清算服务的事件接入层：按事件类型注册分发表。
// 订单创建事件与撮合服务使用不同的消费组，各自独立推进位点。
package consumer

import (
	"github.com/wyfcoding/cryptoexchange/internal/event"
	"github.com/wyfcoding/cryptoexchange/internal/settlement/application"
	"github.com/wyfcoding/cryptoexchange/pkg/idempotent"
)

// Topics 清算服务订阅的 topic
func Topics() []string {
	return []string{
		string(event.TypeLimitOrderCreated),
		string(event.TypeMarketOrderCreated),
		string(event.TypeTradeCreated),
		string(event.TypeSettlementRefund),
	}
}

// Handlers 构造按事件类型索引的处理表
func Handlers(svc *application.SettlementService) map[event.Type]idempotent.HandlerFunc {
	return map[event.Type]idempotent.HandlerFunc{
		event.TypeLimitOrderCreated:  svc.HandleLimitOrderCreated,
		event.TypeMarketOrderCreated: svc.HandleMarketOrderCreated,
		event.TypeTradeCreated:       svc.HandleTradeCreated,
		event.TypeSettlementRefund:   svc.HandleRefund,
	}
}
