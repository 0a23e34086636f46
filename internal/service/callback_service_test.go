package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"creditpay/internal/model"
	"creditpay/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

func newCallbackService(env *testEnv, ratio decimal.Decimal, client *redis.Client) *CallbackService {
	return NewCallbackService(CallbackDeps{
		DB:            env.db,
		Registry:      env.registry,
		Tickets:       env.tickets,
		Ledger:        env.ledger,
		Outbox:        env.outbox,
		Redis:         client,
		ExchangeRatio: ratio,
		Metrics:       env.metrics,
		Log:           logger.Discard(),
	})
}

func createTicket(t *testing.T, env *testEnv, amount int64) *model.TradeTicket {
	t.Helper()
	ticket, err := env.tickets.Create(context.Background(), nil, "u1", "ezfp", decimal.NewFromInt(amount))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return ticket
}

func ticketStatus(t *testing.T, env *testEnv, id string) string {
	t.Helper()
	ticket, err := env.tickets.Get(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", id, err)
	}
	return ticket.Status
}

func TestCallbackService_PaidNoticeCreditsOnce(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	svc := newCallbackService(env, decimal.NewFromInt(1), nil)
	ctx := context.Background()

	ticket := createTicket(t, env, 100)
	payload := ezfpNotice(ticket.ID, "100.00", "TRADE_SUCCESS")

	ack, err := svc.HandleCallback(ctx, "ezfp", payload)
	if err != nil {
		t.Fatalf("HandleCallback() error: %v", err)
	}
	if ack != "success" {
		t.Fatalf("ack = %q, want success", ack)
	}
	if s := ticketStatus(t, env, ticket.ID); s != model.TicketStatusPaid {
		t.Fatalf("ticket status = %s, want paid", s)
	}
	if got := mustBalance(t, env.ledger, "u1"); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", got)
	}

	// 网关重复通知
	ack, err = svc.HandleCallback(ctx, "ezfp", payload)
	if err != nil || ack != "success" {
		t.Fatalf("duplicate HandleCallback() = %q, %v; want success", ack, err)
	}
	if got := mustBalance(t, env.ledger, "u1"); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance after duplicate = %s, want 100", got)
	}
	if n := countLogs(t, env.db, "u1"); n != 1 {
		t.Fatalf("credit_log rows = %d, want 1", n)
	}
	if n := countOutbox(t, env.db); n != 1 {
		t.Fatalf("outbox rows = %d, want 1", n)
	}

	stored, _ := env.tickets.Get(ctx, nil, ticket.ID)
	d := stored.Detail.Data()
	if d.GatewayTradeNo != "EZ"+ticket.ID || d.Credit != "100" {
		t.Fatalf("ticket detail = %+v", d)
	}
}

func TestCallbackService_RejectsTamperedNotice(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	svc := newCallbackService(env, decimal.NewFromInt(1), nil)

	ticket := createTicket(t, env, 100)
	payload := ezfpNotice(ticket.ID, "100.00", "TRADE_SUCCESS")
	payload["money"] = "1000.00"

	if _, err := svc.HandleCallback(context.Background(), "ezfp", payload); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("HandleCallback() error = %v, want ErrSignatureInvalid", err)
	}
	if s := ticketStatus(t, env, ticket.ID); s != model.TicketStatusPending {
		t.Fatalf("ticket status = %s, want pending", s)
	}
	if n := countLogs(t, env.db, "u1"); n != 0 {
		t.Fatalf("credit_log rows = %d, want 0", n)
	}
}

func TestCallbackService_Errors(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	svc := newCallbackService(env, decimal.NewFromInt(1), nil)
	ctx := context.Background()

	ticket := createTicket(t, env, 100)

	tests := []struct {
		name    string
		gateway string
		payload map[string]string
		wantErr error
	}{
		{"unknown gateway", "paypal", ezfpNotice(ticket.ID, "100.00", "TRADE_SUCCESS"), ErrValidation},
		{"unknown ticket", "ezfp", ezfpNotice("TOP404", "100.00", "TRADE_SUCCESS"), ErrNotFound},
		{"amount mismatch", "ezfp", ezfpNotice(ticket.ID, "99.00", "TRADE_SUCCESS"), ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.HandleCallback(ctx, tt.gateway, tt.payload); !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleCallback() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if s := ticketStatus(t, env, ticket.ID); s != model.TicketStatusPending {
		t.Fatalf("ticket status = %s, want pending", s)
	}
}

func TestCallbackService_PendingNoticeIsAcked(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	svc := newCallbackService(env, decimal.NewFromInt(1), nil)

	ticket := createTicket(t, env, 100)
	ack, err := svc.HandleCallback(context.Background(), "ezfp", ezfpNotice(ticket.ID, "100.00", "WAIT_BUYER_PAY"))
	if err != nil || ack != "success" {
		t.Fatalf("HandleCallback() = %q, %v", ack, err)
	}
	if s := ticketStatus(t, env, ticket.ID); s != model.TicketStatusPending {
		t.Fatalf("ticket status = %s, want pending", s)
	}
}

func TestCallbackService_ExchangeRatio(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	svc := newCallbackService(env, decimal.RequireFromString("2.5"), nil)

	ticket := createTicket(t, env, 40)
	if _, err := svc.HandleCallback(context.Background(), "ezfp", ezfpNotice(ticket.ID, "40", "TRADE_SUCCESS")); err != nil {
		t.Fatalf("HandleCallback() error: %v", err)
	}
	if got := mustBalance(t, env.ledger, "u1"); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", got)
	}
}

func TestCallbackService_ConcurrentDuplicateNotices(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	svc := newCallbackService(env, decimal.NewFromInt(1), client)

	ticket := createTicket(t, env, 100)
	payload := ezfpNotice(ticket.ID, "100.00", "TRADE_SUCCESS")

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ack, err := svc.HandleCallback(context.Background(), "ezfp", payload); err != nil || ack != "success" {
				t.Errorf("HandleCallback() = %q, %v", ack, err)
			}
		}()
	}
	wg.Wait()

	if got := mustBalance(t, env.ledger, "u1"); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", got)
	}
	if n := countLogs(t, env.db, "u1"); n != 1 {
		t.Fatalf("credit_log rows = %d, want 1", n)
	}
}

func TestCallbackService_CompletePaymentIsIdempotent(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	svc := newCallbackService(env, decimal.NewFromInt(1), nil)
	ctx := context.Background()

	ticket := createTicket(t, env, 10)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := svc.CompletePayment(ctx, ticket.ID, PaymentDetail{Gateway: "ezfp"})
			if err != nil {
				t.Errorf("CompletePayment() error: %v", err)
				return
			}
			if got.Status != model.TicketStatusPaid {
				t.Errorf("CompletePayment() status = %s", got.Status)
			}
		}()
	}
	wg.Wait()

	if got := mustBalance(t, env.ledger, "u1"); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("balance = %s, want 10", got)
	}

	// 失败的充值单不能再被入账
	failed := createTicket(t, env, 10)
	if _, _, err := env.tickets.Transition(ctx, nil, failed.ID, model.TicketStatusFailed, nil); err != nil {
		t.Fatalf("Transition(failed) error: %v", err)
	}
	if _, err := svc.CompletePayment(ctx, failed.ID, PaymentDetail{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CompletePayment(failed) error = %v, want ErrInvalidTransition", err)
	}
}

func TestCallbackService_FailedNotice(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	svc := newCallbackService(env, decimal.NewFromInt(1), nil)
	ctx := context.Background()

	ticket := createTicket(t, env, 10)
	if err := svc.tickets.repo.UpdateStatus(ctx, nil, ticket.ID, model.TicketStatusPending, model.TicketStatusFailed, ticket.Detail.Data()); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}

	// 失败后的支付通知不入账
	if _, err := svc.HandleCallback(ctx, "ezfp", ezfpNotice(ticket.ID, "10", "TRADE_SUCCESS")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("HandleCallback() error = %v, want ErrInvalidTransition", err)
	}
	if n := countLogs(t, env.db, "u1"); n != 0 {
		t.Fatalf("credit_log rows = %d, want 0", n)
	}
}

func TestCallbackService_CompletionFailureKeepsTicketPending(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	svc := newCallbackService(env, decimal.NewFromInt(1), nil)
	ctx := context.Background()

	ticket := createTicket(t, env, 10)
	payload := ezfpNotice(ticket.ID, "10.00", "TRADE_SUCCESS")

	// 事件写入失败时整个入账事务回滚
	if err := env.db.Migrator().DropTable(&model.OutboxMessage{}); err != nil {
		t.Fatalf("drop outbox_message: %v", err)
	}
	if _, err := svc.HandleCallback(ctx, "ezfp", payload); err == nil {
		t.Fatal("HandleCallback() succeeded without outbox_message table")
	}
	if s := ticketStatus(t, env, ticket.ID); s != model.TicketStatusPending {
		t.Fatalf("ticket status = %s, want pending", s)
	}
	if n := countLogs(t, env.db, "u1"); n != 0 {
		t.Fatalf("credit_log rows = %d, want 0", n)
	}
	if got := mustBalance(t, env.ledger, "u1"); !got.IsZero() {
		t.Fatalf("balance = %s, want 0", got)
	}

	// 网关重试时正常入账
	if err := env.db.AutoMigrate(&model.OutboxMessage{}); err != nil {
		t.Fatalf("restore outbox_message: %v", err)
	}
	if ack, err := svc.HandleCallback(ctx, "ezfp", payload); err != nil || ack != "success" {
		t.Fatalf("retried HandleCallback() = %q, %v; want success", ack, err)
	}
	if s := ticketStatus(t, env, ticket.ID); s != model.TicketStatusPaid {
		t.Fatalf("ticket status = %s, want paid", s)
	}
	if got := mustBalance(t, env.ledger, "u1"); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("balance = %s, want 10", got)
	}
	if n := countOutbox(t, env.db); n != 1 {
		t.Fatalf("outbox rows = %d, want 1", n)
	}
}

func TestCallbackService_RejectsNoticeFromOtherGateway(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	svc := newCallbackService(env, decimal.NewFromInt(1), nil)
	ctx := context.Background()

	ticket, err := env.tickets.Create(ctx, nil, "u1", "alipay", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err = svc.HandleCallback(ctx, "ezfp", ezfpNotice(ticket.ID, "10.00", "TRADE_SUCCESS"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("HandleCallback() error = %v, want ErrValidation", err)
	}
	if s := ticketStatus(t, env, ticket.ID); s != model.TicketStatusPending {
		t.Fatalf("ticket status = %s, want pending", s)
	}
	if got := mustBalance(t, env.ledger, "u1"); !got.IsZero() {
		t.Fatalf("balance = %s, want 0", got)
	}
}
