package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"creditpay/internal/metrics"
	"creditpay/internal/model"
	"creditpay/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxIssueCount = 1000

type RedemptionService struct {
	db      *gorm.DB
	repo    *repository.RedemptionCodeRepository
	ledger  *Ledger
	outbox  *EventOutbox
	metrics *metrics.CreditMetrics
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewRedemptionService(db *gorm.DB, ledger *Ledger, outbox *EventOutbox, m *metrics.CreditMetrics, log logrus.FieldLogger) *RedemptionService {
	return &RedemptionService{
		db:      db,
		repo:    repository.NewRedemptionCodeRepository(db),
		ledger:  ledger,
		outbox:  outbox,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

type RedeemResult struct {
	Code    string          `json:"code"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

// Redeem 兑换积分码
//
// 校验顺序：存在 -> 未过期 -> 未使用 -> 归属；并发兑换同一个码只有一个成功
func (s *RedemptionService) Redeem(ctx context.Context, code, userID string) (*RedeemResult, error) {
	result, err := s.redeem(ctx, strings.TrimSpace(code), userID)
	s.observe(err)
	return result, err
}

func (s *RedemptionService) redeem(ctx context.Context, code, userID string) (*RedeemResult, error) {
	if code == "" || userID == "" {
		return nil, fmt.Errorf("%w: code and user_id are required", ErrValidation)
	}

	rc, err := s.repo.GetByCode(ctx, nil, code)
	if errors.Is(err, repository.ErrCodeNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询兑换码失败: %w", err)
	}

	now := s.now().Unix()
	if rc.Expired(now) {
		return nil, ErrExpired
	}
	if rc.ReceivedAt != nil {
		return nil, ErrAlreadyRedeemed
	}
	if rc.UserID != nil && *rc.UserID != userID {
		return nil, ErrNotOwned
	}

	var balance decimal.Decimal
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.MarkReceived(ctx, tx, code, userID, now); err != nil {
			if errors.Is(err, repository.ErrCodeReceived) {
				return ErrAlreadyRedeemed
			}
			return fmt.Errorf("更新兑换码失败: %w", err)
		}

		balance, err = s.ledger.ApplyDeltaTx(ctx, tx, DeltaRequest{
			UserID: userID,
			Delta:  rc.Amount,
			Detail: model.CreditLogDetail{
				Reason: model.ReasonRedemption,
				Code:   code,
			},
		})
		if err != nil {
			return err
		}

		return s.outbox.Record(ctx, tx, code, model.CreditEvent{
			Event:   EventRedemption,
			UserID:  userID,
			Credit:  rc.Amount.String(),
			Balance: balance.String(),
			Code:    code,
		})
	})
	if err != nil {
		return nil, err
	}
	s.ledger.InvalidateBalance(ctx, userID)

	s.log.WithFields(logrus.Fields{
		"code":    code,
		"user_id": userID,
		"amount":  rc.Amount.String(),
	}).Info("兑换码兑换成功")

	return &RedeemResult{Code: code, Amount: rc.Amount, Balance: balance}, nil
}

func (s *RedemptionService) observe(err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrExpired):
		result = "expired"
	case errors.Is(err, ErrAlreadyRedeemed):
		result = "already_redeemed"
	case errors.Is(err, ErrNotOwned):
		result = "not_owned"
	default:
		result = "error"
	}
	s.metrics.RedemptionTotal.WithLabelValues(result).Inc()
}

// IssueRequest 批量生成兑换码；UserID 为空表示不绑定用户
type IssueRequest struct {
	Purpose   string          `json:"purpose"`
	Amount    decimal.Decimal `json:"amount"`
	Count     int             `json:"count"`
	UserID    string          `json:"user_id"`
	ExpiredAt *int64          `json:"expired_at"`
}

func (s *RedemptionService) Issue(ctx context.Context, req IssueRequest) ([]*model.RedemptionCode, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if req.Count < 1 || req.Count > maxIssueCount {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrValidation, maxIssueCount)
	}
	if req.ExpiredAt != nil && *req.ExpiredAt <= s.now().Unix() {
		return nil, fmt.Errorf("%w: expired_at must be in the future", ErrValidation)
	}

	var owner *string
	if req.UserID != "" {
		owner = &req.UserID
	}

	codes := make([]*model.RedemptionCode, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		codes = append(codes, &model.RedemptionCode{
			Code:      strings.ReplaceAll(uuid.NewString(), "-", ""),
			Purpose:   req.Purpose,
			UserID:    owner,
			Amount:    req.Amount.Round(creditScale),
			ExpiredAt: req.ExpiredAt,
		})
	}
	if err := s.repo.CreateBatch(ctx, nil, codes); err != nil {
		return nil, fmt.Errorf("生成兑换码失败: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"purpose": req.Purpose,
		"count":   req.Count,
		"amount":  req.Amount.String(),
	}).Info("兑换码已生成")
	return codes, nil
}

func (s *RedemptionService) List(ctx context.Context, purpose string, page, pageSize int) ([]*model.RedemptionCode, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.repo.ListByPurpose(ctx, purpose, page, pageSize)
}
