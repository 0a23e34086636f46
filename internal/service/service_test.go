package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"testing"

	"creditpay/internal/config"
	"creditpay/internal/gateway"
	"creditpay/internal/metrics"
	"creditpay/internal/model"
	"creditpay/pkg/logger"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testEZFPKey = "ezfp-secret"

type testEnv struct {
	db         *gorm.DB
	metrics    *metrics.CreditMetrics
	ledger     *Ledger
	tickets    *TicketService
	redemption *RedemptionService
	outbox     *EventOutbox
	registry   *gateway.Registry
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	// 单连接，事务内的查询必须使用 tx
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T, cfg LedgerConfig) *testEnv {
	t.Helper()
	db := newTestDB(t)
	log := logger.Discard()
	m := metrics.NewCreditMetrics(prometheus.NewRegistry())

	ledger := NewLedger(db, cfg, nil, m, log)
	outbox := NewEventOutbox(db, "credit_event")

	ezfp, err := gateway.NewEZFPClient(config.EZFPConfig{
		Endpoint: "http://ezfp.invalid",
		PID:      "1001",
		Key:      testEZFPKey,
	}, "CreditPay", nil, log)
	if err != nil {
		t.Fatalf("NewEZFPClient() error: %v", err)
	}

	return &testEnv{
		db:         db,
		metrics:    m,
		ledger:     ledger,
		tickets:    NewTicketService(db, m, log),
		redemption: NewRedemptionService(db, ledger, outbox, m, log),
		outbox:     outbox,
		registry:   gateway.NewRegistry(ezfp),
	}
}

func mustBalance(t *testing.T, l *Ledger, userID string) decimal.Decimal {
	t.Helper()
	b, err := l.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetBalance(%s) error: %v", userID, err)
	}
	return b
}

func countLogs(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&model.CreditLog{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		t.Fatalf("count credit_log: %v", err)
	}
	return n
}

func countOutbox(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&model.OutboxMessage{}).Count(&n).Error; err != nil {
		t.Fatalf("count outbox_message: %v", err)
	}
	return n
}

// signEZFP 易支付签名：非空参数按 key 排序拼接后追加密钥取 md5
func signEZFP(params map[string]string) {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	sum := md5.Sum([]byte(strings.Join(pairs, "&") + testEZFPKey))
	params["sign"] = hex.EncodeToString(sum[:])
	params["sign_type"] = "MD5"
}

func ezfpNotice(tradeNo, money, status string) map[string]string {
	p := map[string]string{
		"pid":          "1001",
		"trade_no":     "EZ" + tradeNo,
		"out_trade_no": tradeNo,
		"type":         "alipay",
		"name":         "CreditPay Credit",
		"money":        money,
		"trade_status": status,
	}
	signEZFP(p)
	return p
}
