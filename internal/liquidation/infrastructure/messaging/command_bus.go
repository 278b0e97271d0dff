// Package messaging 强平命令与事件的 Kafka 收发
package messaging

import (
	"context"
	"time"

	"github.com/wyfcoding/margintrading/pkg/logger"
	"github.com/wyfcoding/margintrading/pkg/mq"
)

// KafkaCommandBus 命令总线。SendAfter 用进程内定时器延迟投递，
// 进程重启会丢失未触发的定时器；询价超时本身会由下一轮巡检或
// 人工重试补偿，可以容忍。
type KafkaCommandBus struct {
	producer *mq.KafkaProducer
}

// NewKafkaCommandBus 构造函数。
func NewKafkaCommandBus(producer *mq.KafkaProducer) *KafkaCommandBus {
	return &KafkaCommandBus{producer: producer}
}

// Send 发送命令，以操作 ID 为分区键保证同操作命令有序
func (b *KafkaCommandBus) Send(ctx context.Context, topic string, key string, cmd any) error {
	return b.producer.SendMessage(ctx, topic, key, cmd)
}

// SendAfter 延迟发送
func (b *KafkaCommandBus) SendAfter(delay time.Duration, topic string, key string, cmd any) {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.producer.SendMessage(ctx, topic, key, cmd); err != nil {
			logger.Error(ctx, "failed to send delayed command", "topic", topic, "key", key, "error", err)
		}
	})
}

// KafkaEventPublisher 生命周期事件发布，所有事件进同一主题
type KafkaEventPublisher struct {
	producer *mq.KafkaProducer
	topic    string
}

// NewKafkaEventPublisher 构造函数。
func NewKafkaEventPublisher(producer *mq.KafkaProducer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

// Publish 发布事件
func (p *KafkaEventPublisher) Publish(ctx context.Context, eventType string, key string, event any) error {
	return p.producer.SendMessage(ctx, p.topic, key, eventEnvelope{Type: eventType, Key: key, Payload: event})
}

type eventEnvelope struct {
	Type    string `json:"type"`
	Key     string `json:"key"`
	Payload any    `json:"payload"`
}
