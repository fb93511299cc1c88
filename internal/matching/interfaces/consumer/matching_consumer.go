// Package consumer 撮合服务的事件接入层：按事件类型注册分发表。
package consumer

import (
	"github.com/wyfcoding/cryptoexchange/internal/event"
	"github.com/wyfcoding/cryptoexchange/internal/matching/application"
	"github.com/wyfcoding/cryptoexchange/pkg/idempotent"
)

// Topics 撮合服务订阅的 topic
func Topics() []string {
	return []string{
		string(event.TypeLimitOrderCreated),
		string(event.TypeMarketOrderCreated),
	}
}

// Handlers 构造按事件类型索引的处理表
func Handlers(svc *application.MatchingService) map[event.Type]idempotent.HandlerFunc {
	return map[event.Type]idempotent.HandlerFunc{
		event.TypeLimitOrderCreated:  svc.HandleLimitOrderCreated,
		event.TypeMarketOrderCreated: svc.HandleMarketOrderCreated,
	}
}
