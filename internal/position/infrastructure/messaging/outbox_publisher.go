// Package messaging 持仓事件的 Outbox 发布实现
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wyfcoding/margintrading/pkg/logger"
	"github.com/wyfcoding/margintrading/pkg/mq"
)

// OutboxMessage 待投递的事件记录
type OutboxMessage struct {
	ID        string    `gorm:"type:varchar(36);primary_key"`
	EventType string    `gorm:"type:varchar(100);index"`
	EventKey  string    `gorm:"type:varchar(64)"`
	Payload   string    `gorm:"type:text"`
	Status    string    `gorm:"type:varchar(20);index;default:'pending'"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName 指定表名
func (OutboxMessage) TableName() string {
	return "position_outbox_messages"
}

const (
	statusPending   = "pending"
	statusPublished = "published"
	statusFailed    = "failed"
)

// EventEnvelope 投递到总线的事件外壳
type EventEnvelope struct {
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// OutboxEventPublisher 先落库再异步投递，事件不会因 broker 抖动丢失
type OutboxEventPublisher struct {
	db *gorm.DB
}

// NewOutboxEventPublisher 构造函数。
func NewOutboxEventPublisher(db *gorm.DB) *OutboxEventPublisher {
	return &OutboxEventPublisher{db: db}
}

// Publish 将事件写入 Outbox 表
func (p *OutboxEventPublisher) Publish(ctx context.Context, eventType string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	message := OutboxMessage{
		ID:        uuid.New().String(),
		EventType: eventType,
		EventKey:  key,
		Payload:   string(payload),
		Status:    statusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return p.db.WithContext(ctx).Create(&message).Error
}

// OutboxRelay 轮询 Outbox 表并投递到 Kafka
type OutboxRelay struct {
	db       *gorm.DB
	producer *mq.KafkaProducer
	topic    string
	interval time.Duration
	batch    int
}

// NewOutboxRelay 构造函数。
func NewOutboxRelay(db *gorm.DB, producer *mq.KafkaProducer, topic string, interval time.Duration) *OutboxRelay {
	return &OutboxRelay{
		db:       db,
		producer: producer,
		topic:    topic,
		interval: interval,
		batch:    100,
	}
}

// Run 投递循环，ctx 取消后退出
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				logger.Error(ctx, "outbox relay pass failed", "error", err)
			}
		}
	}
}

func (r *OutboxRelay) drainOnce(ctx context.Context) error {
	var messages []OutboxMessage
	if err := r.db.WithContext(ctx).
		Where("status = ?", statusPending).
		Order("created_at ASC").
		Limit(r.batch).
		Find(&messages).Error; err != nil {
		return err
	}

	for _, message := range messages {
		envelope := EventEnvelope{
			Type:    message.EventType,
			Key:     message.EventKey,
			Payload: json.RawMessage(message.Payload),
		}
		err := r.producer.SendMessage(ctx, r.topic, message.EventKey, envelope)
		status := statusPublished
		if err != nil {
			logger.Error(ctx, "outbox delivery failed", "message_id", message.ID, "error", err)
			status = statusFailed
		}
		if updateErr := r.db.WithContext(ctx).Model(&OutboxMessage{}).
			Where("id = ?", message.ID).
			Updates(map[string]any{"status": status, "updated_at": time.Now()}).Error; updateErr != nil {
			return updateErr
		}
	}
	return nil
}
