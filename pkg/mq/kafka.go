// Package mq 提供 Kafka producer/consumer 通用实现，支持按 key 分区、手动位点提交与死信队列
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/cryptoexchange/pkg/logger"
)

// Config Kafka 配置
type Config struct {
	Brokers        []string
	GroupID        string
	SessionTimeout int
	MaxRetries     int
	RetryBackoff   int
}

// Producer Kafka 生产者
type Producer struct {
	writer *kafka.Writer
	config Config
}

// NewProducer 创建 Kafka 生产者
// 使用 RequireAll 确认级别与 Hash 负载均衡，保证同一 key 的消息进入同一分区。
func NewProducer(cfg Config) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        time.Duration(cfg.RetryBackoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.RetryBackoff*10) * time.Millisecond,
	}

	logger.Info(context.Background(), "Kafka producer created", "brokers", cfg.Brokers)
	return &Producer{
		writer: writer,
		config: cfg,
	}
}

// Send 发送单条消息
func (p *Producer) Send(ctx context.Context, topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.Error(ctx, "Failed to send Kafka message",
			"topic", topic,
			"key", key,
			"error", err,
		)
		return err
	}

	logger.Debug(ctx, "Kafka message sent", "topic", topic, "key", key)
	return nil
}

// SendJSON 序列化为 JSON 后发送
func (p *Producer) SendJSON(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Send(ctx, topic, key, data)
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer Kafka 消费者
// 使用 FetchMessage/CommitMessages 手动提交位点：位点只在业务处理结束后提交，
// 处理中途崩溃会导致重投，由上层幂等层吸收。
type Consumer struct {
	reader *kafka.Reader
	config Config
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg Config, topic string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6, // 10MB
	})

	logger.Info(context.Background(), "Kafka consumer created",
		"brokers", cfg.Brokers,
		"topic", topic,
		"group_id", cfg.GroupID,
	)
	return &Consumer{
		reader: reader,
		config: cfg,
	}
}

// Fetch 拉取单条消息，不提交位点
func (c *Consumer) Fetch(ctx context.Context) (*Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	return &Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Time:      msg.Time,
		raw:       msg,
	}, nil
}

// Commit 提交消息位点
func (c *Consumer) Commit(ctx context.Context, messages ...*Message) error {
	if len(messages) == 0 {
		return nil
	}
	raws := make([]kafka.Message, 0, len(messages))
	for _, m := range messages {
		raws = append(raws, m.raw)
	}
	return c.reader.CommitMessages(ctx, raws...)
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Message Kafka 消息结构
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time

	raw kafka.Message
}

// UnmarshalPayload 将消息值解析为 JSON
func (m *Message) UnmarshalPayload(dest interface{}) error {
	return json.Unmarshal(m.Value, dest)
}

// DeadLetterQueue 死信队列
// 发布本身尽力而为：失败仅记录日志供人工介入，不做无限重试。
type DeadLetterQueue struct {
	producer *Producer
}

// NewDeadLetterQueue 创建死信队列
func NewDeadLetterQueue(producer *Producer) *DeadLetterQueue {
	return &DeadLetterQueue{producer: producer}
}

// DeadLetterTopic 返回来源 topic 对应的死信 topic
func DeadLetterTopic(sourceTopic string) string {
	return sourceTopic + ".dlq"
}

// Route 将处理失败的消息连同失败原因发布到死信 topic
func (dlq *DeadLetterQueue) Route(ctx context.Context, original *Message, failReason string) {
	wrapper := map[string]interface{}{
		"original_topic":    original.Topic,
		"original_key":      original.Key,
		"original_message":  string(original.Value),
		"original_offset":   original.Offset,
		"original_time":     original.Time,
		"fail_message":      failReason,
		"failure_timestamp": time.Now(),
	}

	if err := dlq.producer.SendJSON(ctx, DeadLetterTopic(original.Topic), original.Key, wrapper); err != nil {
		logger.Error(ctx, "Failed to route message to dead letter topic",
			"topic", original.Topic,
			"key", original.Key,
			"fail_message", failReason,
			"error", err,
		)
		return
	}

	logger.Warn(ctx, "Message routed to dead letter topic",
		"topic", original.Topic,
		"key", original.Key,
		"fail_message", failReason,
	)
}
