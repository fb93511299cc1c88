package outbox

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/pkg/logger"
	"github.com/wyfcoding/cryptoexchange/pkg/metrics"
)

// BusWriter 消息总线写入接口，由 mq.Producer 实现
type BusWriter interface {
	Send(ctx context.Context, topic, key string, value []byte) error
}

// Store 发件箱存储接口
type Store interface {
	// FetchPending 按写入顺序取出一个分片内待投递的记录
	FetchPending(ctx context.Context, shard, limit int) ([]*Message, error)
	// Delete 删除已确认送达的记录
	Delete(ctx context.Context, id uint64) error
}

// GormStore 基于 GORM 的发件箱存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 GORM 发件箱存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// FetchPending 取出分片内最早写入的待投递记录
func (s *GormStore) FetchPending(ctx context.Context, shard, limit int) ([]*Message, error) {
	var msgs []*Message
	err := s.db.WithContext(ctx).
		Where("shard = ?", shard).
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Delete 删除记录
func (s *GormStore) Delete(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Delete(&Message{}, id).Error
}

// RelayConfig 中继配置
type RelayConfig struct {
	ShardCount    int
	SweepInterval time.Duration
	BatchSize     int
}

// Relay 发件箱中继
// 每个分片一个 worker，周期性扫描并按写入顺序投递；投递失败的记录原地保留，
// 下一轮扫描自然重试。分片内顺序投递，遇到失败立即停止本轮，保证按 key 有序。
type Relay struct {
	store   Store
	bus     BusWriter
	cfg     RelayConfig
	metrics *metrics.Metrics
	wake    []chan struct{}
}

// NewRelay 创建发件箱中继
func NewRelay(store Store, bus BusWriter, cfg RelayConfig, m *metrics.Metrics) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 200 * time.Millisecond
	}
	wake := make([]chan struct{}, cfg.ShardCount)
	for i := range wake {
		wake[i] = make(chan struct{}, 1)
	}
	return &Relay{
		store:   store,
		bus:     bus,
		cfg:     cfg,
		metrics: m,
		wake:    wake,
	}
}

// Wake 提示中继尽快扫描 shardKey 所属分片（事务提交后调用，非阻塞）
func (r *Relay) Wake(shardKey string) {
	shard := ShardOf(shardKey, r.cfg.ShardCount)
	select {
	case r.wake[shard] <- struct{}{}:
	default:
	}
}

// Run 启动全部分片 worker，阻塞直到 ctx 取消
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for shard := 0; shard < r.cfg.ShardCount; shard++ {
		shard := shard
		g.Go(func() error {
			return r.runShard(ctx, shard)
		})
	}
	return g.Wait()
}

func (r *Relay) runShard(ctx context.Context, shard int) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake[shard]:
		}
		r.sweepShard(ctx, shard)
	}
}

// sweepShard 投递一个分片内的待发记录
func (r *Relay) sweepShard(ctx context.Context, shard int) {
	msgs, err := r.store.FetchPending(ctx, shard, r.cfg.BatchSize)
	if err != nil {
		logger.Error(ctx, "Failed to fetch pending outbox messages", "shard", shard, "error", err)
		return
	}

	for _, msg := range msgs {
		if err := r.bus.Send(ctx, msg.EventType, msg.ShardKey, msg.Payload); err != nil {
			// 投递失败：记录保留，下一轮重扫；为保证分片内有序，本轮立即停止
			logger.Warn(ctx, "Outbox delivery failed, will retry on next sweep",
				"shard", shard,
				"event_id", msg.EventID,
				"event_type", msg.EventType,
				"error", err,
			)
			if r.metrics != nil {
				r.metrics.OutboxRetriedTotal.Inc()
			}
			return
		}

		// 只有确认送达后才删除
		if err := r.store.Delete(ctx, msg.ID); err != nil {
			// 删除失败会导致重复投递，由消费端幂等层吸收
			logger.Error(ctx, "Failed to delete delivered outbox message",
				"shard", shard,
				"event_id", msg.EventID,
				"error", err,
			)
			return
		}

		if r.metrics != nil {
			r.metrics.OutboxPublishedTotal.Inc()
		}
		logger.Debug(ctx, "Outbox message delivered",
			"shard", shard,
			"event_id", msg.EventID,
			"event_type", msg.EventType,
		)
	}
}
