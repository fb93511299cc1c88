// Package idgen 提供分布式 ID 生成：snowflake 用于业务单号，uuid 用于事件 ID
package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	node     *snowflake.Node
	initOnce sync.Once
	initErr  error
)

// Init 初始化雪花 ID 生成器；nodeID 在部署中必须唯一
func Init(nodeID int64) error {
	initOnce.Do(func() {
		node, initErr = snowflake.NewNode(nodeID)
	})
	return initErr
}

// NextID 生成下一个雪花 ID
func NextID() int64 {
	if node == nil {
		// 未显式初始化时退化为节点 0，便于测试
		_ = Init(0)
	}
	return node.Generate().Int64()
}

// OrderID 生成订单号
func OrderID() string {
	return fmt.Sprintf("ORD-%d", NextID())
}

// TradeID 生成成交号
func TradeID() string {
	return fmt.Sprintf("TRD-%d", NextID())
}

// EventID 生成事件 ID（UUID v4）
func EventID() string {
	return uuid.New().String()
}
