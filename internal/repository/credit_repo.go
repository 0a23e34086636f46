package repository

import (
	"context"
	"errors"

	"creditpay/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCreditNotFound = errors.New("积分账户不存在")
	ErrOptimisticLock = errors.New("乐观锁冲突，请重试")
)

type CreditRepository struct {
	db *gorm.DB
}

func NewCreditRepository(db *gorm.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

func (r *CreditRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.Credit, error) {
	if tx == nil {
		tx = r.db
	}
	var credit model.Credit
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&credit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCreditNotFound
		}
		return nil, err
	}
	return &credit, nil
}

// GetByUserIDForUpdate 行锁读取，必须在事务内调用
func (r *CreditRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Credit, error) {
	var credit model.Credit
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&credit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCreditNotFound
		}
		return nil, err
	}
	return &credit, nil
}

// EnsureExists 首次变动时惰性创建账户，并发创建时只有一行生效
func (r *CreditRepository) EnsureExists(ctx context.Context, tx *gorm.DB, userID string, initial decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}
	credit := &model.Credit{
		ID:      uuid.NewString(),
		UserID:  userID,
		Balance: initial,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(credit).Error
}

// CompareAndSwap 只有版本号未变时才写入新余额
func (r *CreditRepository) CompareAndSwap(ctx context.Context, tx *gorm.DB, credit *model.Credit, newBalance decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Credit{}).
		Where("id = ? AND version = ?", credit.ID, credit.Version).
		Updates(map[string]interface{}{
			"credit":  newBalance,
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	return nil
}
