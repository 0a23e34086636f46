package repository

import (
	"context"

	"creditpay/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CreditLogRepository struct {
	db *gorm.DB
}

func NewCreditLogRepository(db *gorm.DB) *CreditLogRepository {
	return &CreditLogRepository{db: db}
}

func (r *CreditLogRepository) Create(ctx context.Context, tx *gorm.DB, log *model.CreditLog) error {
	if tx == nil {
		tx = r.db
	}
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	return tx.WithContext(ctx).Create(log).Error
}

func (r *CreditLogRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.CreditLog, int64, error) {
	var logs []*model.CreditLog
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditLog{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&logs).Error

	return logs, total, err
}
