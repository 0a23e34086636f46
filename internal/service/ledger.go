package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditpay/internal/infrastructure/cache"
	"creditpay/internal/metrics"
	"creditpay/internal/model"
	"creditpay/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// creditScale 与 decimal(24,12) 列精度一致
const creditScale = 12

type LedgerConfig struct {
	DefaultCredit  decimal.Decimal
	AllowOverdraft bool
	MaxRetries     int
	NoCreditMsg    string
}

// Ledger 积分账本，余额与流水只能通过这里修改
type Ledger struct {
	db         *gorm.DB
	cfg        LedgerConfig
	creditRepo *repository.CreditRepository
	logRepo    *repository.CreditLogRepository
	cache      *cache.BalanceCache
	metrics    *metrics.CreditMetrics
	log        logrus.FieldLogger
}

func NewLedger(db *gorm.DB, cfg LedgerConfig, balanceCache *cache.BalanceCache, m *metrics.CreditMetrics, log logrus.FieldLogger) *Ledger {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Ledger{
		db:         db,
		cfg:        cfg,
		creditRepo: repository.NewCreditRepository(db),
		logRepo:    repository.NewCreditLogRepository(db),
		cache:      balanceCache,
		metrics:    m,
		log:        log,
	}
}

// DeltaRequest 一次余额变动
type DeltaRequest struct {
	UserID string
	Delta  decimal.Decimal
	Detail model.CreditLogDetail
	// EnforceNonNegative 为 true 时，变动后余额为负直接拒绝
	EnforceNonNegative bool
}

func (r *DeltaRequest) normalize() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if r.Detail.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrValidation)
	}
	r.Delta = r.Delta.Round(creditScale)
	if r.Delta.IsZero() {
		return fmt.Errorf("%w: delta must not be zero", ErrValidation)
	}
	return nil
}

// ApplyDelta 在独立事务中修改余额并写一条流水，返回变动后的余额
func (l *Ledger) ApplyDelta(ctx context.Context, req DeltaRequest) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = l.ApplyDeltaTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	l.InvalidateBalance(ctx, req.UserID)
	return balance, nil
}

// ApplyDeltaTx 加入调用方的事务，调用方提交后需要调用 InvalidateBalance
func (l *Ledger) ApplyDeltaTx(ctx context.Context, tx *gorm.DB, req DeltaRequest) (decimal.Decimal, error) {
	start := time.Now()
	if err := req.normalize(); err != nil {
		l.observe(req.Detail.Reason, "invalid", start)
		return decimal.Zero, err
	}

	balance, err := l.applyWithRetry(ctx, tx, req)
	switch {
	case err == nil:
		l.observe(req.Detail.Reason, "success", start)
	case errors.Is(err, ErrInsufficientCredit):
		l.observe(req.Detail.Reason, "insufficient", start)
	case errors.Is(err, ErrStorageConflict):
		l.observe(req.Detail.Reason, "conflict", start)
	default:
		l.observe(req.Detail.Reason, "error", start)
	}
	return balance, err
}

func (l *Ledger) applyWithRetry(ctx context.Context, tx *gorm.DB, req DeltaRequest) (decimal.Decimal, error) {
	if err := l.creditRepo.EnsureExists(ctx, tx, req.UserID, l.cfg.DefaultCredit); err != nil {
		return decimal.Zero, fmt.Errorf("创建积分账户失败: %w", err)
	}

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		credit, err := l.creditRepo.GetByUserIDForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("查询积分账户失败: %w", err)
		}

		before := credit.Balance
		after := before.Add(req.Delta)
		if req.EnforceNonNegative && after.IsNegative() {
			return decimal.Zero, ErrInsufficientCredit
		}

		err = l.creditRepo.CompareAndSwap(ctx, tx, credit, after)
		if errors.Is(err, repository.ErrOptimisticLock) {
			if l.metrics != nil {
				l.metrics.LedgerConflictTotal.Inc()
			}
			l.log.WithFields(logrus.Fields{
				"user_id": req.UserID,
				"attempt": attempt + 1,
			}).Debug("积分账户版本冲突，重试")
			continue
		}
		if err != nil {
			return decimal.Zero, fmt.Errorf("更新积分余额失败: %w", err)
		}

		detail := req.Detail
		detail.BalanceBefore = before
		detail.BalanceAfter = after
		entry := &model.CreditLog{
			UserID: req.UserID,
			Credit: req.Delta,
			Detail: datatypes.NewJSONType(detail),
		}
		if err := l.logRepo.Create(ctx, tx, entry); err != nil {
			return decimal.Zero, fmt.Errorf("写入积分流水失败: %w", err)
		}
		return after, nil
	}

	l.log.WithField("user_id", req.UserID).Warn("积分账户冲突重试次数耗尽")
	return decimal.Zero, ErrStorageConflict
}

func (l *Ledger) observe(reason, result string, start time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.LedgerMutationTotal.WithLabelValues(reason, result).Inc()
	l.metrics.LedgerMutationDuration.Observe(time.Since(start).Seconds())
}

// InvalidateBalance 事务提交后删除余额缓存，失败只记日志
func (l *Ledger) InvalidateBalance(ctx context.Context, userID string) {
	if err := l.cache.Invalidate(ctx, userID); err != nil {
		l.log.WithError(err).WithField("user_id", userID).Warn("删除余额缓存失败")
	}
}

// GetBalance 没有账户时返回默认积分
func (l *Ledger) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if balance, ok := l.cache.Get(ctx, userID); ok {
		return balance, nil
	}

	credit, err := l.creditRepo.GetByUserID(ctx, nil, userID)
	if errors.Is(err, repository.ErrCreditNotFound) {
		return l.cfg.DefaultCredit, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("查询积分余额失败: %w", err)
	}

	if err := l.cache.Set(ctx, userID, credit.Balance); err != nil {
		l.log.WithError(err).WithField("user_id", userID).Warn("写入余额缓存失败")
	}
	return credit.Balance, nil
}

// Charge 消费扣减，是否允许透支由配置决定
func (l *Ledger) Charge(ctx context.Context, userID string, amount decimal.Decimal, feature, remark string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	balance, err := l.ApplyDelta(ctx, DeltaRequest{
		UserID: userID,
		Delta:  amount.Neg(),
		Detail: model.CreditLogDetail{
			Reason:  model.ReasonUsage,
			Feature: feature,
			Remark:  remark,
		},
		EnforceNonNegative: !l.cfg.AllowOverdraft,
	})
	if errors.Is(err, ErrInsufficientCredit) && l.cfg.NoCreditMsg != "" {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInsufficientCredit, l.cfg.NoCreditMsg)
	}
	return balance, err
}

// Grant 管理员调整，delta 可正可负，不做非负校验
func (l *Ledger) Grant(ctx context.Context, userID string, delta decimal.Decimal, remark string) (decimal.Decimal, error) {
	return l.ApplyDelta(ctx, DeltaRequest{
		UserID: userID,
		Delta:  delta,
		Detail: model.CreditLogDetail{
			Reason: model.ReasonAdmin,
			Remark: remark,
		},
	})
}

func (l *Ledger) ListLogs(ctx context.Context, userID string, page, pageSize int) ([]*model.CreditLog, int64, error) {
	if userID == "" {
		return nil, 0, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	page, pageSize = normalizePage(page, pageSize)
	return l.logRepo.ListByUserID(ctx, userID, page, pageSize)
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
