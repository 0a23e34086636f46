package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"creditpay/internal/model"

	"github.com/shopspring/decimal"
)

func insertCode(t *testing.T, env *testEnv, rc *model.RedemptionCode) {
	t.Helper()
	if err := env.db.Create(rc).Error; err != nil {
		t.Fatalf("insert redemption code: %v", err)
	}
}

func TestRedemptionService_RedeemOnce(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	ctx := context.Background()

	insertCode(t, env, &model.RedemptionCode{Code: "PROMO5", Purpose: "launch", Amount: decimal.NewFromInt(5)})

	res, err := env.redemption.Redeem(ctx, "PROMO5", "u1")
	if err != nil {
		t.Fatalf("Redeem() error: %v", err)
	}
	if !res.Amount.Equal(decimal.NewFromInt(5)) || !res.Balance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("Redeem() = %+v, want amount 5 balance 5", res)
	}

	if _, err := env.redemption.Redeem(ctx, "PROMO5", "u2"); !errors.Is(err, ErrAlreadyRedeemed) {
		t.Fatalf("second Redeem() error = %v, want ErrAlreadyRedeemed", err)
	}
	if got := mustBalance(t, env.ledger, "u2"); !got.IsZero() {
		t.Fatalf("u2 balance = %s, want 0", got)
	}

	var rc model.RedemptionCode
	if err := env.db.Where("code = ?", "PROMO5").First(&rc).Error; err != nil {
		t.Fatalf("load code: %v", err)
	}
	if rc.ReceivedAt == nil || rc.ReceivedBy == nil || *rc.ReceivedBy != "u1" {
		t.Fatalf("code not marked received by u1: %+v", rc)
	}

	logs, _, err := env.ledger.ListLogs(ctx, "u1", 1, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("ListLogs() = %d logs, %v; want 1", len(logs), err)
	}
	if d := logs[0].Detail.Data(); d.Reason != model.ReasonRedemption || d.Code != "PROMO5" {
		t.Fatalf("log detail = %+v", d)
	}
	if n := countOutbox(t, env.db); n != 1 {
		t.Fatalf("outbox rows = %d, want 1", n)
	}
}

func TestRedemptionService_RedeemChecks(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()
	owner := "u1"
	received := past

	insertCode(t, env, &model.RedemptionCode{Code: "EXPIRED", Amount: decimal.NewFromInt(1), ExpiredAt: &past})
	insertCode(t, env, &model.RedemptionCode{Code: "BOUND", Amount: decimal.NewFromInt(1), UserID: &owner, ExpiredAt: &future})
	insertCode(t, env, &model.RedemptionCode{Code: "USED", Amount: decimal.NewFromInt(1), ReceivedAt: &received})
	// 同时过期且已使用，过期优先
	insertCode(t, env, &model.RedemptionCode{Code: "EXPIRED_USED", Amount: decimal.NewFromInt(1), ExpiredAt: &past, ReceivedAt: &received})

	tests := []struct {
		code    string
		userID  string
		wantErr error
	}{
		{"NOPE", "u2", ErrNotFound},
		{"EXPIRED", "u2", ErrExpired},
		{"EXPIRED_USED", "u2", ErrExpired},
		{"USED", "u2", ErrAlreadyRedeemed},
		{"BOUND", "u2", ErrNotOwned},
		{"BOUND", "", ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if _, err := env.redemption.Redeem(ctx, tt.code, tt.userID); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Redeem(%s, %s) error = %v, want %v", tt.code, tt.userID, err, tt.wantErr)
			}
		})
	}
	if got := mustBalance(t, env.ledger, "u2"); !got.IsZero() {
		t.Fatalf("u2 balance = %s, want 0", got)
	}

	if _, err := env.redemption.Redeem(ctx, "BOUND", "u1"); err != nil {
		t.Fatalf("Redeem(BOUND, owner) error: %v", err)
	}
}

func TestRedemptionService_ConcurrentRedeem(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	ctx := context.Background()

	insertCode(t, env, &model.RedemptionCode{Code: "RACE", Amount: decimal.NewFromInt(50)})

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.redemption.Redeem(ctx, "RACE", "u1")
			if err != nil && !errors.Is(err, ErrAlreadyRedeemed) {
				t.Errorf("Redeem() unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successful redemptions = %d, want 1", successes)
	}
	if got := mustBalance(t, env.ledger, "u1"); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("balance = %s, want 50", got)
	}
	if n := countLogs(t, env.db, "u1"); n != 1 {
		t.Fatalf("credit_log rows = %d, want 1", n)
	}
}

func TestRedemptionService_IssueAndList(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	ctx := context.Background()

	codes, err := env.redemption.Issue(ctx, IssueRequest{Purpose: "spring", Amount: decimal.NewFromInt(8), Count: 3})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	seen := map[string]bool{}
	for _, c := range codes {
		if len(c.Code) != 32 || seen[c.Code] {
			t.Fatalf("bad or duplicate code %q", c.Code)
		}
		seen[c.Code] = true
	}

	list, total, err := env.redemption.List(ctx, "spring", 1, 10)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 3 || len(list) != 3 {
		t.Fatalf("List() total = %d, want 3", total)
	}

	invalid := []IssueRequest{
		{Amount: decimal.Zero, Count: 1},
		{Amount: decimal.NewFromInt(1), Count: 0},
		{Amount: decimal.NewFromInt(1), Count: maxIssueCount + 1},
	}
	for _, req := range invalid {
		if _, err := env.redemption.Issue(ctx, req); !errors.Is(err, ErrValidation) {
			t.Fatalf("Issue(%+v) error = %v, want ErrValidation", req, err)
		}
	}
}
