package repository

import (
	"context"
	"errors"

	"creditpay/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTicketNotFound      = errors.New("充值单不存在")
	ErrTicketStatusInvalid = errors.New("充值单状态不合法")
)

type TradeTicketRepository struct {
	db *gorm.DB
}

func NewTradeTicketRepository(db *gorm.DB) *TradeTicketRepository {
	return &TradeTicketRepository{db: db}
}

func (r *TradeTicketRepository) Create(ctx context.Context, tx *gorm.DB, ticket *model.TradeTicket) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(ticket).Error
}

func (r *TradeTicketRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.TradeTicket, error) {
	if tx == nil {
		tx = r.db
	}
	var ticket model.TradeTicket
	err := tx.WithContext(ctx).Where("id = ?", id).First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// GetByIDForUpdate 加行锁读取，必须在事务中调用
//
// 锁定读总是读到最新提交的版本，MySQL 可重复读下并发回调的后来者能看到已支付
func (r *TradeTicketRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.TradeTicket, error) {
	var ticket model.TradeTicket
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// UpdateStatus 条件更新：WHERE status = fromStatus，并发下只有一个调用方能成功
func (r *TradeTicketRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id string, fromStatus, toStatus string, detail model.TradeTicketDetail) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrTicketStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	detail.Status = toStatus
	result := tx.WithContext(ctx).
		Model(&model.TradeTicket{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status": toStatus,
			"detail": datatypes.NewJSONType(detail),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTicketStatusInvalid
	}

	return nil
}

// GetStalePending 查询创建时间早于 before 的待支付充值单
func (r *TradeTicketRepository) GetStalePending(ctx context.Context, before int64, limit int) ([]*model.TradeTicket, error) {
	var tickets []*model.TradeTicket
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.TicketStatusPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&tickets).Error
	return tickets, err
}

func (r *TradeTicketRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.TradeTicket, int64, error) {
	var tickets []*model.TradeTicket
	var total int64

	query := r.db.WithContext(ctx).Model(&model.TradeTicket{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tickets).Error

	return tickets, total, err
}
