// Package messaging 撮合事件的 Kafka 发布
package messaging

import (
	"context"

	"github.com/wyfcoding/margintrading/pkg/mq"
)

// KafkaEventPublisher 撮合事件发布，所有事件进同一主题，
// 以订单 ID 为分区键
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
