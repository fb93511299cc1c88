package idempotent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/cryptoexchange/internal/event"
	"github.com/wyfcoding/cryptoexchange/pkg/logger"
	"github.com/wyfcoding/cryptoexchange/pkg/metrics"
	"github.com/wyfcoding/cryptoexchange/pkg/mq"
)

// HandlerFunc 业务处理函数
// 实现方必须在自己的本地事务内完成业务写入并调用 MarkProcessed。
type HandlerFunc func(ctx context.Context, env *event.Envelope) error

// Source 消息来源接口，由 mq.Consumer 实现
type Source interface {
	Fetch(ctx context.Context) (*mq.Message, error)
	Commit(ctx context.Context, messages ...*mq.Message) error
}

// DeadLetter 死信路由接口，由 mq.DeadLetterQueue 实现
type DeadLetter interface {
	Route(ctx context.Context, original *mq.Message, failReason string)
}

// RunnerConfig 消费循环配置
type RunnerConfig struct {
	// 业务处理最大重试次数（不含首次执行）
	MaxRetries int
	// 重试退避
	RetryBackoff time.Duration
}

// Runner 幂等消费循环
// 流程：抢占去重门 → 持久幂等检查 → 业务处理（带有限重试）→ 提交位点。
// 任何失败都会释放抢占并路由死信；位点总是在成功或死信路由之后提交，
// 处理中途崩溃导致的重投由去重门吸收。
type Runner struct {
	source    Source
	gate      Gate
	processed ProcessedStore
	dlq       DeadLetter
	handlers  map[event.Type]HandlerFunc
	cfg       RunnerConfig
	metrics   *metrics.Metrics
}

// NewRunner 创建幂等消费循环
func NewRunner(
	source Source,
	gate Gate,
	processed ProcessedStore,
	dlq DeadLetter,
	handlers map[event.Type]HandlerFunc,
	cfg RunnerConfig,
	m *metrics.Metrics,
) *Runner {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Runner{
		source:    source,
		gate:      gate,
		processed: processed,
		dlq:       dlq,
		handlers:  handlers,
		cfg:       cfg,
		metrics:   m,
	}
}

// Run 启动消费循环，阻塞直到 ctx 取消
func (r *Runner) Run(ctx context.Context) error {
	for {
		msg, err := r.source.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			logger.Error(ctx, "Failed to fetch message", "error", err)
			continue
		}

		r.process(ctx, msg)

		// 位点提交永远在成功处理或死信路由之后
		if err := r.source.Commit(ctx, msg); err != nil {
			logger.Error(ctx, "Failed to commit offset",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// process 处理单条消息；返回前必然已处置完毕（成功、重复跳过或死信）
func (r *Runner) process(ctx context.Context, msg *mq.Message) {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		logger.Error(ctx, "Malformed event envelope", "topic", msg.Topic, "error", err)
		r.deadLetter(ctx, msg, fmt.Sprintf("malformed envelope: %v", err))
		return
	}

	handler, ok := r.handlers[env.Type]
	if !ok {
		logger.Error(ctx, "No handler registered for event type", "type", env.Type)
		r.deadLetter(ctx, msg, fmt.Sprintf("no handler for event type %s", env.Type))
		return
	}

	// 第一层：去重门原子抢占
	claimed, err := r.gate.Claim(ctx, env.EventID)
	if err != nil {
		// 去重门不可用时不能直接处理（可能重复），也不能丢弃：走死信由人工介入
		logger.Error(ctx, "Duplicate gate unavailable", "event_id", env.EventID, "error", err)
		r.deadLetter(ctx, msg, fmt.Sprintf("duplicate gate unavailable: %v", err))
		return
	}
	if !claimed {
		logger.Info(ctx, "Duplicate event delivery skipped",
			"event_id", env.EventID,
			"type", env.Type,
		)
		if r.metrics != nil {
			r.metrics.EventsDuplicateTotal.Inc()
		}
		return
	}

	// 第二层：持久幂等检查（去重门 TTL 过期或 Redis 清空后的兜底）
	done, err := r.processed.Exists(ctx, env.EventID)
	if err != nil {
		_ = r.gate.Release(ctx, env.EventID)
		logger.Error(ctx, "Failed to check processed events", "event_id", env.EventID, "error", err)
		r.deadLetter(ctx, msg, fmt.Sprintf("processed check failed: %v", err))
		return
	}
	if done {
		logger.Info(ctx, "Event already processed, skipped",
			"event_id", env.EventID,
			"type", env.Type,
		)
		if r.metrics != nil {
			r.metrics.EventsDuplicateTotal.Inc()
		}
		return
	}

	// 业务处理：本地事务内生效，失败时有限重试
	if err := r.invokeWithRetry(ctx, handler, env); err != nil {
		// 释放抢占，使后续重投不会被误判为重复
		if relErr := r.gate.Release(ctx, env.EventID); relErr != nil {
			logger.Error(ctx, "Failed to release duplicate gate claim",
				"event_id", env.EventID,
				"error", relErr,
			)
		}
		logger.Error(ctx, "Event processing failed, routing to dead letter",
			"event_id", env.EventID,
			"type", env.Type,
			"error", err,
		)
		r.deadLetter(ctx, msg, err.Error())
		return
	}

	if r.metrics != nil {
		r.metrics.EventsProcessedTotal.Inc()
	}
	logger.Debug(ctx, "Event processed", "event_id", env.EventID, "type", env.Type)
}

// invokeWithRetry 执行业务处理，失败时按配置退避重试
func (r *Runner) invokeWithRetry(ctx context.Context, handler HandlerFunc, env *event.Envelope) error {
	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.RetryBackoff):
			}
			logger.Warn(ctx, "Retrying event processing",
				"event_id", env.EventID,
				"attempt", attempt,
			)
		}
		if err = handler(ctx, env); err == nil {
			return nil
		}
	}
	return err
}

func (r *Runner) deadLetter(ctx context.Context, msg *mq.Message, reason string) {
	r.dlq.Route(ctx, msg, reason)
	if r.metrics != nil {
		r.metrics.EventsDeadLetteredTotal.Inc()
	}
}
