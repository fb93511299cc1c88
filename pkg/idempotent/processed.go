package idempotent

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ProcessedEvent 已处理事件的持久记录
// 行的存在即证明"该事件 ID 已完整生效"，在业务事务内写入，
// 崩溃恢复后的幂等判定以此为准，而非 Redis 中的 TTL 条目。
type ProcessedEvent struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	EventID     string    `gorm:"column:event_id;type:varchar(36);uniqueIndex;not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

// TableName 表名
func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// MarkProcessed 在业务事务内记录事件已处理
// 必须与业务写入同一事务提交，这是防止部分生效的关键。
func MarkProcessed(tx *gorm.DB, eventID string) error {
	return tx.Create(&ProcessedEvent{
		EventID:     eventID,
		ProcessedAt: time.Now(),
	}).Error
}

// Marker 在业务事务内写入幂等标记的接口
type Marker interface {
	MarkProcessed(tx *gorm.DB, eventID string) error
}

// GormMarker 基于 GORM 的幂等标记写入
type GormMarker struct{}

// NewGormMarker 创建幂等标记写入器
func NewGormMarker() GormMarker {
	return GormMarker{}
}

// MarkProcessed 在业务事务内记录事件已处理
func (GormMarker) MarkProcessed(tx *gorm.DB, eventID string) error {
	return MarkProcessed(tx, eventID)
}

// ProcessedStore 已处理事件查询接口
type ProcessedStore interface {
	Exists(ctx context.Context, eventID string) (bool, error)
}

// GormProcessedStore 基于 GORM 的已处理事件查询
type GormProcessedStore struct {
	db *gorm.DB
}

// NewGormProcessedStore 创建已处理事件查询
func NewGormProcessedStore(db *gorm.DB) *GormProcessedStore {
	return &GormProcessedStore{db: db}
}

// Exists 判断事件是否已处理
func (s *GormProcessedStore) Exists(ctx context.Context, eventID string) (bool, error) {
	var rec ProcessedEvent
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
