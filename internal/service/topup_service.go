package service

import (
	"context"
	"fmt"
	"time"

	"creditpay/internal/gateway"
	"creditpay/internal/metrics"
	"creditpay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type TopUpService struct {
	registry *gateway.Registry
	tickets  *TicketService
	timeout  time.Duration
	metrics  *metrics.CreditMetrics
	log      logrus.FieldLogger
}

func NewTopUpService(registry *gateway.Registry, tickets *TicketService, timeout time.Duration, m *metrics.CreditMetrics, log logrus.FieldLogger) *TopUpService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TopUpService{
		registry: registry,
		tickets:  tickets,
		timeout:  timeout,
		metrics:  m,
		log:      log,
	}
}

type TopUpResult struct {
	TradeNo string          `json:"trade_no"`
	Gateway string          `json:"gateway"`
	Amount  decimal.Decimal `json:"amount"`
	Status  string          `json:"status"`
	QRCode  string          `json:"qrcode,omitempty"`
	PayURL  string          `json:"payurl,omitempty"`
}

// CreateTopUp 校验金额、创建待支付充值单并向网关下单
//
// 金额不合法时既不建单也不请求网关；网关明确拒绝时充值单标记为失败，
// 超时等无明确答复的情况充值单保持待支付，等待回调或过期任务处理
func (s *TopUpService) CreateTopUp(ctx context.Context, userID, gatewayName string, amount decimal.Decimal) (*TopUpResult, error) {
	client, err := s.registry.Get(gatewayName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := client.CheckAmount(amount); err != nil {
		s.observe(gatewayName, "invalid_amount", 0)
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ticket, err := s.tickets.Create(ctx, nil, userID, gatewayName, amount)
	if err != nil {
		return nil, err
	}

	logger := s.log.WithFields(logrus.Fields{
		"trade_no": ticket.ID,
		"user_id":  userID,
		"gateway":  gatewayName,
		"amount":   amount.String(),
	})

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res := client.CreateTrade(callCtx, ticket.ID, amount)
	elapsed := time.Since(start)

	result := &TopUpResult{
		TradeNo: ticket.ID,
		Gateway: gatewayName,
		Amount:  amount,
		Status:  model.TicketStatusPending,
	}

	if !res.OK() {
		if res.Transient {
			s.observe(gatewayName, "error", elapsed)
			logger.WithField("msg", res.Msg).Warn("网关下单无明确答复，充值单保持待支付")
			return result, fmt.Errorf("%w: %s", ErrGatewayTimeout, res.Msg)
		}

		s.observe(gatewayName, "rejected", elapsed)
		_, _, err := s.tickets.Transition(ctx, nil, ticket.ID, model.TicketStatusFailed, func(_ *model.TradeTicket, d *model.TradeTicketDetail) {
			d.Reason = res.Msg
			d.GatewayResponse = res.Raw
		})
		if err != nil {
			logger.WithError(err).Error("标记充值单失败状态失败")
		} else {
			result.Status = model.TicketStatusFailed
		}
		logger.WithField("msg", res.Msg).Warn("网关拒绝下单")
		return result, fmt.Errorf("%w: %s", ErrGatewayRejected, res.Msg)
	}

	s.observe(gatewayName, "success", elapsed)
	result.QRCode = res.QRCode
	result.PayURL = res.PayURL
	logger.Info("网关下单成功")
	return result, nil
}

func (s *TopUpService) observe(gatewayName, result string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.GatewayRequestTotal.WithLabelValues(gatewayName, result).Inc()
	if elapsed > 0 {
		s.metrics.GatewayRequestDuration.WithLabelValues(gatewayName).Observe(elapsed.Seconds())
	}
}
