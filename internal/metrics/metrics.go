package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CreditMetrics 积分与支付对账指标
type CreditMetrics struct {
	// 账本
	LedgerMutationTotal    *prometheus.CounterVec // 余额变动次数（按原因、结果）
	LedgerMutationDuration prometheus.Histogram   // 余额变动耗时
	LedgerConflictTotal    prometheus.Counter     // 乐观锁冲突重试次数

	// 网关
	GatewayRequestTotal    *prometheus.CounterVec   // 下单请求（按网关、结果）
	GatewayRequestDuration *prometheus.HistogramVec // 下单耗时
	CallbackTotal          *prometheus.CounterVec   // 回调处理（按网关、结果）

	// 兑换码
	RedemptionTotal *prometheus.CounterVec // 兑换结果

	// 后台任务
	TicketExpiredTotal prometheus.Counter
	OutboxSentTotal    *prometheus.CounterVec
}

// NewCreditMetrics 在 reg 上注册所有指标
func NewCreditMetrics(reg prometheus.Registerer) *CreditMetrics {
	factory := promauto.With(reg)
	return &CreditMetrics{
		LedgerMutationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_ledger_mutation_total",
				Help: "Total number of ledger balance mutations",
			},
			[]string{"reason", "result"},
		),
		LedgerMutationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credit_ledger_mutation_duration_seconds",
				Help:    "Duration of ledger balance mutations",
				Buckets: prometheus.DefBuckets,
			},
		),
		LedgerConflictTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credit_ledger_conflict_total",
				Help: "Total number of optimistic lock conflicts retried by the ledger",
			},
		),
		GatewayRequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_gateway_request_total",
				Help: "Total number of trade creation requests sent to payment gateways",
			},
			[]string{"gateway", "result"}, // result: success/rejected/error/invalid_amount
		),
		GatewayRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credit_gateway_request_duration_seconds",
				Help:    "Duration of trade creation requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gateway"},
		),
		CallbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_callback_total",
				Help: "Total number of gateway callbacks handled",
			},
			[]string{"gateway", "result"},
		),
		RedemptionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_redemption_total",
				Help: "Total number of redemption attempts",
			},
			[]string{"result"},
		),
		TicketExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credit_ticket_expired_total",
				Help: "Total number of pending trade tickets expired by the sweep",
			},
		),
		OutboxSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_outbox_sent_total",
				Help: "Total number of outbox messages delivered",
			},
			[]string{"result"},
		),
	}
}

var (
	defaultMetrics *CreditMetrics
	once           sync.Once
)

// GetMetrics 获取注册在默认 Registerer 上的全局指标实例
func GetMetrics() *CreditMetrics {
	once.Do(func() {
		defaultMetrics = NewCreditMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
