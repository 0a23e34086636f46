package repository

import (
	"context"

	"creditpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxRepository 积分事件发件箱
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Append 与账本写入使用同一个 tx；同一事件已存在时不重复写入，返回 false
func (r *OutboxRepository) Append(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event"}, {Name: "message_key"}},
			DoNothing: true,
		}).
		Create(msg)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListPending 按写入顺序取待投递事件
func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// MarkSent 只迁移仍处于待投递的事件
func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Update("status", model.OutboxStatusSent).Error
}

// RecordFailure 记一次投递失败，累计达到 maxRetry 次后放弃并标记为 FAILED
//
// 以读到的 retry_count 做条件更新，多个实例同时投递同一条事件时只计一次。
// 返回值 abandoned 表示本次调用把事件标记为 FAILED
func (r *OutboxRepository) RecordFailure(ctx context.Context, msg *model.OutboxMessage, maxRetry int) (abandoned bool, err error) {
	retries := msg.RetryCount + 1
	status := model.OutboxStatusPending
	if retries >= maxRetry {
		status = model.OutboxStatusFailed
	}

	result := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ? AND retry_count = ?", msg.ID, model.OutboxStatusPending, msg.RetryCount).
		Updates(map[string]interface{}{
			"retry_count": retries,
			"status":      status,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	msg.RetryCount = retries
	msg.Status = status
	return status == model.OutboxStatusFailed, nil
}
