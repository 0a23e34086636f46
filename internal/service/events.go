package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"creditpay/internal/model"
	"creditpay/internal/repository"

	"gorm.io/gorm"
)

const (
	EventTopUp      = "credit.topup"
	EventRedemption = "credit.redemption"
)

// EventOutbox 把积分事件与账本写入放在同一事务里，由 OutboxSender 异步投递
//
// nil 表示未启用 Kafka，Record 为空操作
type EventOutbox struct {
	repo  *repository.OutboxRepository
	topic string
}

func NewEventOutbox(db *gorm.DB, topic string) *EventOutbox {
	return &EventOutbox{repo: repository.NewOutboxRepository(db), topic: topic}
}

// Record 同一事件同一 key 重复记录时只保留第一条
func (o *EventOutbox) Record(ctx context.Context, tx *gorm.DB, key string, event model.CreditEvent) error {
	if o == nil || o.topic == "" {
		return nil
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &model.OutboxMessage{
		Event:      event.Event,
		MessageKey: key,
		Topic:      o.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if _, err := o.repo.Append(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
