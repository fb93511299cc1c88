// Package idempotent 实现幂等事件消费：Redis set-if-absent 抢占作为快速去重层，
// processed_events 表作为持久的事实来源，失败时释放抢占并路由死信。
package idempotent

import (
	"context"
	"time"

	"github.com/wyfcoding/cryptoexchange/pkg/cache"
)

// Gate 事件去重门
// 每个事件 ID 的状态机：UNSEEN → CLAIMED → PROCESSED（终态），失败时 CLAIMED → UNSEEN。
type Gate interface {
	// Claim 原子抢占事件 ID；返回 false 表示已被抢占或已处理（重复投递）
	Claim(ctx context.Context, eventID string) (bool, error)
	// Release 释放抢占，使重投的消息不会被误判为重复
	Release(ctx context.Context, eventID string) error
}

// RedisGate 基于 Redis SetNX 的去重门
// TTL 条目只是快速路径优化，持久判定以 processed_events 为准。
type RedisGate struct {
	cache  *cache.RedisCache
	prefix string
	ttl    time.Duration
}

// NewRedisGate 创建 Redis 去重门
// prefix 通常为消费者组名，使不同服务的抢占互不干扰。
func NewRedisGate(c *cache.RedisCache, prefix string, ttl time.Duration) *RedisGate {
	return &RedisGate{
		cache:  c,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (g *RedisGate) key(eventID string) string {
	return "dedup:" + g.prefix + ":" + eventID
}

// Claim 原子抢占事件 ID
func (g *RedisGate) Claim(ctx context.Context, eventID string) (bool, error) {
	return g.cache.SetNX(ctx, g.key(eventID), 1, g.ttl)
}

// Release 释放抢占
func (g *RedisGate) Release(ctx context.Context, eventID string) error {
	return g.cache.Delete(ctx, g.key(eventID))
}
