package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditpay/internal/metrics"
	"creditpay/internal/model"
	"creditpay/internal/repository"
	"creditpay/pkg/idgen"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TicketService struct {
	db      *gorm.DB
	repo    *repository.TradeTicketRepository
	metrics *metrics.CreditMetrics
	log     logrus.FieldLogger
}

func NewTicketService(db *gorm.DB, m *metrics.CreditMetrics, log logrus.FieldLogger) *TicketService {
	return &TicketService{
		db:      db,
		repo:    repository.NewTradeTicketRepository(db),
		metrics: m,
		log:     log,
	}
}

// Create 创建待支付充值单
func (s *TicketService) Create(ctx context.Context, tx *gorm.DB, userID, gatewayName string, amount decimal.Decimal) (*model.TradeTicket, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	ticket := &model.TradeTicket{
		ID:     idgen.GenerateTradeNo(),
		UserID: userID,
		Amount: amount,
		Status: model.TicketStatusPending,
		Detail: datatypes.NewJSONType(model.TradeTicketDetail{
			Gateway: gatewayName,
			Status:  model.TicketStatusPending,
		}),
	}
	if err := s.repo.Create(ctx, tx, ticket); err != nil {
		return nil, fmt.Errorf("创建充值单失败: %w", err)
	}
	return ticket, nil
}

func (s *TicketService) Get(ctx context.Context, tx *gorm.DB, id string) (*model.TradeTicket, error) {
	ticket, err := s.repo.GetByID(ctx, tx, id)
	return ticketOrNotFound(id, ticket, err)
}

// getForTransition 在事务中加行锁读取，事务外退化为普通读
func (s *TicketService) getForTransition(ctx context.Context, tx *gorm.DB, id string) (*model.TradeTicket, error) {
	if tx == nil {
		return s.Get(ctx, nil, id)
	}
	ticket, err := s.repo.GetByIDForUpdate(ctx, tx, id)
	return ticketOrNotFound(id, ticket, err)
}

func ticketOrNotFound(id string, ticket *model.TradeTicket, err error) (*model.TradeTicket, error) {
	if errors.Is(err, repository.ErrTicketNotFound) {
		return nil, fmt.Errorf("%w: trade ticket %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("查询充值单失败: %w", err)
	}
	return ticket, nil
}

// Transition 迁移充值单状态，返回迁移后的充值单以及本次调用是否真正改变了状态
//
// 对已支付的单再次请求 paid 是空操作（changed=false）；其它非法迁移返回 ErrInvalidTransition
func (s *TicketService) Transition(ctx context.Context, tx *gorm.DB, id, to string, update func(*model.TradeTicket, *model.TradeTicketDetail)) (*model.TradeTicket, bool, error) {
	ticket, err := s.getForTransition(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if ticket.Status == to && to == model.TicketStatusPaid {
		return ticket, false, nil
	}
	if !model.CanTransitionTo(ticket.Status, to) {
		return ticket, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ticket.Status, to)
	}

	detail := ticket.Detail.Data()
	if update != nil {
		update(ticket, &detail)
	}

	err = s.repo.UpdateStatus(ctx, tx, id, ticket.Status, to, detail)
	if errors.Is(err, repository.ErrTicketStatusInvalid) {
		// 条件更新落空：并发调用方已先一步迁移
		current, getErr := s.getForTransition(ctx, tx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		if current.Status == to && to == model.TicketStatusPaid {
			return current, false, nil
		}
		return current, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	if err != nil {
		return nil, false, fmt.Errorf("更新充值单状态失败: %w", err)
	}

	detail.Status = to
	ticket.Status = to
	ticket.Detail = datatypes.NewJSONType(detail)
	return ticket, true, nil
}

func (s *TicketService) ListByUser(ctx context.Context, userID string, page, pageSize int) ([]*model.TradeTicket, int64, error) {
	if userID == "" {
		return nil, 0, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	page, pageSize = normalizePage(page, pageSize)
	return s.repo.ListByUserID(ctx, userID, page, pageSize)
}

// ExpireStale 把创建时间早于 olderThan 的待支付充值单标记为过期，返回处理条数
func (s *TicketService) ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	before := time.Now().Add(-olderThan).Unix()
	tickets, err := s.repo.GetStalePending(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("查询过期充值单失败: %w", err)
	}

	expired := 0
	for _, t := range tickets {
		_, changed, err := s.Transition(ctx, nil, t.ID, model.TicketStatusExpired, func(_ *model.TradeTicket, d *model.TradeTicketDetail) {
			d.Reason = "payment timeout"
		})
		if err != nil {
			// 回调已先一步完成支付
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			s.log.WithError(err).WithField("trade_no", t.ID).Warn("充值单过期失败")
			continue
		}
		if changed {
			expired++
			s.log.WithFields(logrus.Fields{
				"trade_no": t.ID,
				"user_id":  t.UserID,
				"amount":   t.Amount.String(),
			}).Info("充值单超时过期")
		}
	}
	if s.metrics != nil && expired > 0 {
		s.metrics.TicketExpiredTotal.Add(float64(expired))
	}
	return expired, nil
}
