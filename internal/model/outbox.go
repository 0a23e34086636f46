package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 与积分变动同事务写入，由 OutboxSender 异步投递到 Kafka
//
// (event, message_key) 唯一：一笔充值单或一个兑换码只产生一条积分事件
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Event      string    `gorm:"type:varchar(32);not null;default:'';uniqueIndex:uk_outbox_event_key,priority:1" json:"event"`
	MessageKey string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_outbox_event_key,priority:2" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// CreditEvent 投递到 Kafka 的积分事件
type CreditEvent struct {
	Event     string `json:"event"`
	UserID    string `json:"user_id"`
	Credit    string `json:"credit"`
	Balance   string `json:"balance"`
	TradeNo   string `json:"trade_no,omitempty"`
	Code      string `json:"code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
