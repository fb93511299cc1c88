// Package outbox 实现事务性发件箱：领域写入与事件记录在同一本地事务中落库，
// 由独立的中继在提交后投递到消息总线，确认送达后才删除记录。
// 记录的存在即代表"尚未送达"，崩溃恢复只需重新扫描。
package outbox

import (
	"hash/fnv"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoexchange/internal/event"
	"github.com/wyfcoding/cryptoexchange/pkg/idgen"
)

// Message 发件箱记录
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	EventID   string    `gorm:"column:event_id;type:varchar(36);uniqueIndex;not null"`
	EventType string    `gorm:"column:event_type;type:varchar(64);not null"`
	ShardKey  string    `gorm:"column:shard_key;type:varchar(64);not null"`
	Shard     int       `gorm:"column:shard;index;not null"`
	Payload   []byte    `gorm:"column:payload;type:mediumblob;not null"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

// TableName 表名
func (Message) TableName() string {
	return "outbox_messages"
}

// ShardOf 计算 shardKey 所属分片
func ShardOf(shardKey string, shardCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(shardKey))
	return int(h.Sum32() % uint32(shardCount))
}

// Publisher 发件箱写入端
type Publisher struct {
	shardCount int
}

// NewPublisher 创建发件箱写入端
func NewPublisher(shardCount int) *Publisher {
	return &Publisher{shardCount: shardCount}
}

// Publish 在调用方的事务中写入一条发件箱记录。
// 不做任何网络调用；事务提交后由中继负责投递。
// 返回生成的事件 ID。
func (p *Publisher) Publish(tx *gorm.DB, eventType event.Type, shardKey string, payload event.Payload) (string, error) {
	eventID := idgen.EventID()
	env := event.NewEnvelope(eventID, eventType, payload)
	data, err := env.Marshal()
	if err != nil {
		return "", err
	}

	msg := &Message{
		EventID:   eventID,
		EventType: string(eventType),
		ShardKey:  shardKey,
		Shard:     ShardOf(shardKey, p.shardCount),
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := tx.Create(msg).Error; err != nil {
		return "", err
	}
	return eventID, nil
}
