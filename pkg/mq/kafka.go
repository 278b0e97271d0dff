// Package mq 提供 Kafka producer/consumer 通用实现，支持重试与死信队列
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/margintrading/pkg/logger"
)

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	SessionTimeout int
	MaxRetries     int
	RetryBackoff   int
}

// KafkaProducer Kafka 生产者
type KafkaProducer struct {
	writer *kafka.Writer
	config KafkaConfig
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        time.Duration(cfg.RetryBackoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.RetryBackoff*10) * time.Millisecond,
	}

	logger.Info(context.Background(), "kafka producer created", "brokers", cfg.Brokers)
	return &KafkaProducer{writer: writer, config: cfg}, nil
}

// SendMessage 发送单条消息，value 序列化为 JSON
func (kp *KafkaProducer) SendMessage(ctx context.Context, topic string, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = kp.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		logger.Error(ctx, "failed to send kafka message", "topic", topic, "key", key, "error", err)
		return err
	}

	logger.Debug(ctx, "kafka message sent", "topic", topic, "key", key)
	return nil
}

// Close 关闭生产者
func (kp *KafkaProducer) Close() error {
	return kp.writer.Close()
}

// Message Kafka 消息结构
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time
}

// UnmarshalPayload 将消息值解析为 JSON
func (m *Message) UnmarshalPayload(dest any) error {
	return json.Unmarshal(m.Value, dest)
}

// Handler 消费回调，返回错误时消息进入死信队列
type Handler func(ctx context.Context, msg *Message) error

// KafkaConsumer Kafka 消费者，订阅一组主题并分发给 Handler
type KafkaConsumer struct {
	reader  *kafka.Reader
	dlq     *DeadLetterQueue
	handler Handler
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg KafkaConfig, topics []string, handler Handler, dlq *DeadLetterQueue) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to consume")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupTopics:    topics,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
	})

	logger.Info(context.Background(), "kafka consumer created",
		"brokers", cfg.Brokers,
		"topics", topics,
		"group_id", cfg.GroupID,
	)
	return &KafkaConsumer{reader: reader, dlq: dlq, handler: handler}, nil
}

// Run 消费循环，ctx 取消时退出
func (kc *KafkaConsumer) Run(ctx context.Context) error {
	for {
		raw, err := kc.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error(ctx, "failed to read kafka message", "error", err)
			return err
		}

		msg := &Message{
			Topic:     raw.Topic,
			Partition: raw.Partition,
			Offset:    raw.Offset,
			Key:       string(raw.Key),
			Value:     raw.Value,
			Time:      raw.Time,
		}

		if err := kc.handler(ctx, msg); err != nil {
			logger.Error(ctx, "message handling failed",
				"topic", msg.Topic, "key", msg.Key, "offset", msg.Offset, "error", err)
			if kc.dlq != nil {
				if dlqErr := kc.dlq.Send(ctx, msg, "handler error", err); dlqErr != nil {
					logger.Error(ctx, "failed to forward message to DLQ", "error", dlqErr)
				}
			}
		}
	}
}

// Close 关闭消费者
func (kc *KafkaConsumer) Close() error {
	return kc.reader.Close()
}

// DeadLetterQueue 死信队列处理
type DeadLetterQueue struct {
	producer *KafkaProducer
	topic    string
}

// NewDeadLetterQueue 创建死信队列
func NewDeadLetterQueue(producer *KafkaProducer, topic string) *DeadLetterQueue {
	return &DeadLetterQueue{producer: producer, topic: topic}
}

// Send 发送消息到死信队列
func (dlq *DeadLetterQueue) Send(ctx context.Context, original *Message, reason string, cause error) error {
	payload := map[string]any{
		"original_topic":    original.Topic,
		"original_key":      original.Key,
		"original_value":    string(original.Value),
		"original_offset":   original.Offset,
		"original_time":     original.Time,
		"failure_reason":    reason,
		"failure_error":     cause.Error(),
		"failure_timestamp": time.Now(),
	}
	return dlq.producer.SendMessage(ctx, dlq.topic, original.Key, payload)
}
