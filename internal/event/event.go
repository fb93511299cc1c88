// Package event 定义服务间传递的事件信封、事件类型与 topic 约定。
// 事件类型与 Kafka topic 一一对应，分发使用按类型索引的 handler 表，不做反射查找。
package event

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Type 事件类型，同时作为 Kafka topic 名称
type Type string

const (
	// TypeLimitOrderCreated 限价单已创建
	TypeLimitOrderCreated Type = "order.limit.created"
	// TypeMarketOrderCreated 市价单已创建
	TypeMarketOrderCreated Type = "order.market.created"
	// TypeTradeCreated 撮合成交
	TypeTradeCreated Type = "trade.created"
	// TypeSettlementRefund 市价单剩余资金解锁退回
	TypeSettlementRefund Type = "settlement.refund"
)

// Topics 返回全部业务 topic
func Topics() []Type {
	return []Type{
		TypeLimitOrderCreated,
		TypeMarketOrderCreated,
		TypeTradeCreated,
		TypeSettlementRefund,
	}
}

// Envelope 事件信封
type Envelope struct {
	EventID string  `json:"event_id"`
	Type    Type    `json:"type"`
	Payload Payload `json:"payload"`
}

// Payload 事件负载
// 不同事件类型只使用其中的一部分字段，金额与数量使用 decimal 保持精度。
type Payload struct {
	OrderID             string          `json:"order_id,omitempty"`
	UserID              string          `json:"user_id,omitempty"`
	Symbol              string          `json:"symbol,omitempty"`
	OrderSide           string          `json:"order_side,omitempty"`
	Price               decimal.Decimal `json:"price,omitempty"`
	Quantity            decimal.Decimal `json:"quantity,omitempty"`
	MarketTotalPrice    decimal.Decimal `json:"market_total_price,omitempty"`
	MarketTotalQuantity decimal.Decimal `json:"market_total_quantity,omitempty"`

	TradeID         string          `json:"trade_id,omitempty"`
	TakerID         string          `json:"taker_id,omitempty"`
	MakerID         string          `json:"maker_id,omitempty"`
	TakerUserID     string          `json:"taker_user_id,omitempty"`
	MakerUserID     string          `json:"maker_user_id,omitempty"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity,omitempty"`
	TakerTotalUsed  decimal.Decimal `json:"taker_total_used,omitempty"`
	MakerTotalUsed  decimal.Decimal `json:"maker_total_used,omitempty"`

	TotalRemainPrice decimal.Decimal `json:"total_remain_price,omitempty"`
}

// NewEnvelope 创建事件信封
func NewEnvelope(eventID string, eventType Type, payload Payload) *Envelope {
	return &Envelope{
		EventID: eventID,
		Type:    eventType,
		Payload: payload,
	}
}

// Marshal 序列化信封
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return data, nil
}

// Unmarshal 反序列化信封
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	if env.EventID == "" {
		return nil, fmt.Errorf("event envelope missing event_id")
	}
	if env.Type == "" {
		return nil, fmt.Errorf("event envelope missing type")
	}
	return &env, nil
}
