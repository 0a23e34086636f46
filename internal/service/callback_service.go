package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditpay/internal/gateway"
	"creditpay/internal/infrastructure/lock"
	"creditpay/internal/metrics"
	"creditpay/internal/model"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CallbackService 处理网关异步通知，把充值单对账为已支付并入账
type CallbackService struct {
	db            *gorm.DB
	registry      *gateway.Registry
	tickets       *TicketService
	ledger        *Ledger
	outbox        *EventOutbox
	redisClient   *redis.Client
	exchangeRatio decimal.Decimal
	metrics       *metrics.CreditMetrics
	log           logrus.FieldLogger
}

type CallbackDeps struct {
	DB            *gorm.DB
	Registry      *gateway.Registry
	Tickets       *TicketService
	Ledger        *Ledger
	Outbox        *EventOutbox
	Redis         *redis.Client // 可选
	ExchangeRatio decimal.Decimal
	Metrics       *metrics.CreditMetrics
	Log           logrus.FieldLogger
}

func NewCallbackService(d CallbackDeps) *CallbackService {
	ratio := d.ExchangeRatio
	if !ratio.IsPositive() {
		ratio = decimal.NewFromInt(1)
	}
	return &CallbackService{
		db:            d.DB,
		registry:      d.Registry,
		tickets:       d.Tickets,
		ledger:        d.Ledger,
		outbox:        d.Outbox,
		redisClient:   d.Redis,
		exchangeRatio: ratio,
		metrics:       d.Metrics,
		log:           d.Log,
	}
}

// PaymentDetail 网关侧的支付信息，写入充值单 detail
type PaymentDetail struct {
	Gateway        string
	GatewayTradeNo string
	Raw            string
}

// HandleCallback 处理一次回调，成功时返回应答网关的 body
//
// 签名错误不改变任何状态；已支付的单重复通知直接应答成功
func (s *CallbackService) HandleCallback(ctx context.Context, gatewayName string, payload map[string]string) (string, error) {
	ack, result, err := s.handle(ctx, gatewayName, payload)
	if s.metrics != nil {
		s.metrics.CallbackTotal.WithLabelValues(gatewayName, result).Inc()
	}
	return ack, err
}

func (s *CallbackService) handle(ctx context.Context, gatewayName string, payload map[string]string) (string, string, error) {
	client, err := s.registry.Get(gatewayName)
	if err != nil {
		return "", "unknown_gateway", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	logger := s.log.WithFields(logrus.Fields{
		"gateway":  gatewayName,
		"trade_no": payload["out_trade_no"],
	})

	if !client.VerifyCallback(payload) {
		logger.Warn("回调签名校验失败")
		return "", "invalid_signature", ErrSignatureInvalid
	}

	notice, err := client.ParseNotice(payload)
	if err != nil {
		logger.WithError(err).Warn("回调参数解析失败")
		return "", "invalid_payload", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if s.redisClient != nil {
		tradeLock := lock.NewTradeLock(s.redisClient, notice.TradeNo, uuid.NewString())
		if err := tradeLock.Lock(ctx, 50*time.Millisecond, 20); err != nil {
			// 锁只用于削峰，拿不到锁继续走数据库条件更新
			logger.WithError(err).Debug("获取回调锁失败")
		} else {
			defer func() {
				if err := tradeLock.Unlock(context.Background()); err != nil && !errors.Is(err, lock.ErrLockExpired) {
					logger.WithError(err).Warn("释放回调锁失败")
				}
			}()
		}
	}

	ticket, err := s.tickets.Get(ctx, nil, notice.TradeNo)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.Warn("回调对应的充值单不存在")
			return "", "not_found", err
		}
		return "", "error", err
	}

	if ticketGateway := ticket.Detail.Data().Gateway; ticketGateway != "" && ticketGateway != gatewayName {
		logger.WithField("ticket_gateway", ticketGateway).Error("回调网关与充值单下单网关不一致")
		return "", "gateway_mismatch", fmt.Errorf("%w: ticket %s was created on %s", ErrValidation, ticket.ID, ticketGateway)
	}

	if ticket.Status == model.TicketStatusPaid {
		return client.AckBody(), "duplicate", nil
	}

	detail := PaymentDetail{
		Gateway:        gatewayName,
		GatewayTradeNo: notice.GatewayTradeNo,
		Raw:            notice.RawStatus,
	}

	switch notice.Status {
	case gateway.NoticePaid:
		if !notice.Amount.Equal(ticket.Amount) {
			logger.WithFields(logrus.Fields{
				"notice_amount": notice.Amount.String(),
				"ticket_amount": ticket.Amount.String(),
			}).Error("回调金额与充值单不一致")
			return "", "amount_mismatch", fmt.Errorf("%w: amount mismatch", ErrValidation)
		}
		if _, err := s.CompletePayment(ctx, ticket.ID, detail); err != nil {
			return "", "error", err
		}
		return client.AckBody(), "success", nil

	case gateway.NoticeFailed:
		_, _, err := s.tickets.Transition(ctx, nil, ticket.ID, model.TicketStatusFailed, func(_ *model.TradeTicket, d *model.TradeTicketDetail) {
			d.GatewayTradeNo = notice.GatewayTradeNo
			d.Reason = notice.RawStatus
		})
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return "", "error", err
		}
		return client.AckBody(), "failed", nil

	default:
		return client.AckBody(), "ignored", nil
	}
}

// CompletePayment 单个事务内完成 pending->paid、入账与事件写入
//
// 并发调用时只有一个调用方完成迁移并入账，其余调用方得到已支付的充值单
func (s *CallbackService) CompletePayment(ctx context.Context, ticketID string, detail PaymentDetail) (*model.TradeTicket, error) {
	var (
		ticket   *model.TradeTicket
		credited bool
		balance  decimal.Decimal
		credit   decimal.Decimal
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ticket, credited, err = s.tickets.Transition(ctx, tx, ticketID, model.TicketStatusPaid, func(t *model.TradeTicket, d *model.TradeTicketDetail) {
			credit = t.Amount.Mul(s.exchangeRatio).Round(creditScale)
			d.Credit = credit.String()
			if detail.Gateway != "" {
				d.Gateway = detail.Gateway
			}
			d.GatewayTradeNo = detail.GatewayTradeNo
			d.GatewayResponse = detail.Raw
		})
		if err != nil || !credited {
			return err
		}

		balance, err = s.ledger.ApplyDeltaTx(ctx, tx, DeltaRequest{
			UserID: ticket.UserID,
			Delta:  credit,
			Detail: model.CreditLogDetail{
				Reason:  model.ReasonTopUp,
				TradeNo: ticket.ID,
				Gateway: ticket.Detail.Data().Gateway,
			},
		})
		if err != nil {
			return err
		}

		return s.outbox.Record(ctx, tx, ticket.ID, model.CreditEvent{
			Event:   EventTopUp,
			UserID:  ticket.UserID,
			Credit:  credit.String(),
			Balance: balance.String(),
			TradeNo: ticket.ID,
		})
	})
	if err != nil {
		s.log.WithError(err).WithField("trade_no", ticketID).Error("充值入账失败，充值单保持待支付")
		return nil, err
	}

	if credited {
		s.ledger.InvalidateBalance(ctx, ticket.UserID)
		s.log.WithFields(logrus.Fields{
			"trade_no": ticket.ID,
			"user_id":  ticket.UserID,
			"amount":   ticket.Amount.String(),
			"credit":   credit.String(),
			"balance":  balance.String(),
		}).Info("充值入账成功")
	}
	return ticket, nil
}
