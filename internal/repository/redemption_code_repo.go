package repository

import (
	"context"
	"errors"

	"creditpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrCodeNotFound = errors.New("兑换码不存在")
	ErrCodeReceived = errors.New("兑换码已被使用")
)

type RedemptionCodeRepository struct {
	db *gorm.DB
}

func NewRedemptionCodeRepository(db *gorm.DB) *RedemptionCodeRepository {
	return &RedemptionCodeRepository{db: db}
}

func (r *RedemptionCodeRepository) CreateBatch(ctx context.Context, tx *gorm.DB, codes []*model.RedemptionCode) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).CreateInBatches(codes, 100).Error
}

func (r *RedemptionCodeRepository) GetByCode(ctx context.Context, tx *gorm.DB, code string) (*model.RedemptionCode, error) {
	if tx == nil {
		tx = r.db
	}
	var rc model.RedemptionCode
	err := tx.WithContext(ctx).Where("code = ?", code).First(&rc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	return &rc, nil
}

// MarkReceived 条件更新 received_at IS NULL，保证兑换码只能被使用一次
func (r *RedemptionCodeRepository) MarkReceived(ctx context.Context, tx *gorm.DB, code, userID string, now int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.RedemptionCode{}).
		Where("code = ? AND received_at IS NULL", code).
		Updates(map[string]interface{}{
			"received_at": now,
			"received_by": userID,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrCodeReceived
	}

	return nil
}

func (r *RedemptionCodeRepository) ListByPurpose(ctx context.Context, purpose string, page, pageSize int) ([]*model.RedemptionCode, int64, error) {
	var codes []*model.RedemptionCode
	var total int64

	query := r.db.WithContext(ctx).Model(&model.RedemptionCode{})
	if purpose != "" {
		query = query.Where("purpose = ?", purpose)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&codes).Error

	return codes, total, err
}
