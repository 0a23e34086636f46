package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"creditpay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestTicketService_Create(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	ctx := context.Background()

	ticket, err := env.tickets.Create(ctx, nil, "u1", "ezfp", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !strings.HasPrefix(ticket.ID, "TOP") || ticket.Status != model.TicketStatusPending {
		t.Fatalf("Create() = %+v", ticket)
	}
	if ticket.Detail.Data().Gateway != "ezfp" {
		t.Fatalf("detail.gateway = %q, want ezfp", ticket.Detail.Data().Gateway)
	}

	for _, amount := range []string{"0", "-1"} {
		if _, err := env.tickets.Create(ctx, nil, "u1", "ezfp", decimal.RequireFromString(amount)); !errors.Is(err, ErrValidation) {
			t.Fatalf("Create(%s) error = %v, want ErrValidation", amount, err)
		}
	}
}

func TestTicketService_Transition(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	ctx := context.Background()

	ticket, err := env.tickets.Create(ctx, nil, "u1", "ezfp", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, changed, err := env.tickets.Transition(ctx, nil, ticket.ID, model.TicketStatusPaid, func(_ *model.TradeTicket, d *model.TradeTicketDetail) {
		d.GatewayTradeNo = "G1"
	})
	if err != nil || !changed {
		t.Fatalf("Transition(paid) = %v, %v; want changed", changed, err)
	}
	if got.Status != model.TicketStatusPaid || got.Detail.Data().Status != model.TicketStatusPaid {
		t.Fatalf("Transition(paid) = %+v", got)
	}

	// paid -> paid 为空操作
	got, changed, err = env.tickets.Transition(ctx, nil, ticket.ID, model.TicketStatusPaid, nil)
	if err != nil || changed {
		t.Fatalf("Transition(paid again) = %v, %v; want no-op", changed, err)
	}
	if got.Detail.Data().GatewayTradeNo != "G1" {
		t.Fatalf("detail lost after no-op: %+v", got.Detail.Data())
	}

	for _, to := range []string{model.TicketStatusFailed, model.TicketStatusExpired, model.TicketStatusPending} {
		if _, _, err := env.tickets.Transition(ctx, nil, ticket.ID, to, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Transition(paid -> %s) error = %v, want ErrInvalidTransition", to, err)
		}
	}

	stored, err := env.tickets.Get(ctx, nil, ticket.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if stored.Status != model.TicketStatusPaid {
		t.Fatalf("stored status = %s, want paid", stored.Status)
	}

	if _, _, err := env.tickets.Transition(ctx, nil, "missing", model.TicketStatusPaid, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Transition(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTicketService_ExpireStale(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	ctx := context.Background()

	old, err := env.tickets.Create(ctx, nil, "u1", "ezfp", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	fresh, err := env.tickets.Create(ctx, nil, "u1", "ezfp", decimal.NewFromInt(20))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	paid, err := env.tickets.Create(ctx, nil, "u1", "ezfp", decimal.NewFromInt(30))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, _, err := env.tickets.Transition(ctx, nil, paid.ID, model.TicketStatusPaid, nil); err != nil {
		t.Fatalf("Transition(paid) error: %v", err)
	}

	hourAgo := time.Now().Add(-time.Hour).Unix()
	if err := env.db.Model(&model.TradeTicket{}).Where("id IN ?", []string{old.ID, paid.ID}).
		UpdateColumn("created_at", hourAgo).Error; err != nil {
		t.Fatalf("backdate tickets: %v", err)
	}

	n, err := env.tickets.ExpireStale(ctx, 30*time.Minute, 100)
	if err != nil {
		t.Fatalf("ExpireStale() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("ExpireStale() = %d, want 1", n)
	}

	want := map[string]string{
		old.ID:   model.TicketStatusExpired,
		fresh.ID: model.TicketStatusPending,
		paid.ID:  model.TicketStatusPaid,
	}
	for id, status := range want {
		got, err := env.tickets.Get(ctx, nil, id)
		if err != nil {
			t.Fatalf("Get(%s) error: %v", id, err)
		}
		if got.Status != status {
			t.Errorf("ticket %s status = %s, want %s", id, got.Status, status)
		}
	}
}

// 事务内的迁移必须用锁定读，并发回调的后来者才能看到已提交的 paid
func TestTicketService_TransitionInTxLocksTicket(t *testing.T) {
	env := newTestEnv(t, LedgerConfig{})
	ctx := context.Background()

	ticket, err := env.tickets.Create(ctx, nil, "u1", "ezfp", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	var lockedReads, plainReads int
	if err := env.db.Callback().Query().After("gorm:query").Register("test:count_ticket_reads", func(d *gorm.DB) {
		if d.Statement.Table != "trade_ticket" {
			return
		}
		if _, ok := d.Statement.Clauses["FOR"]; ok {
			lockedReads++
		} else {
			plainReads++
		}
	}); err != nil {
		t.Fatal(err)
	}

	err = env.db.Transaction(func(tx *gorm.DB) error {
		_, _, err := env.tickets.Transition(ctx, tx, ticket.ID, model.TicketStatusPaid, nil)
		return err
	})
	if err != nil {
		t.Fatalf("Transition() in tx error: %v", err)
	}
	if lockedReads != 1 || plainReads != 0 {
		t.Fatalf("ticket reads in tx: locked = %d plain = %d, want 1 and 0", lockedReads, plainReads)
	}

	// 已支付后在事务内重复迁移仍是空操作
	err = env.db.Transaction(func(tx *gorm.DB) error {
		_, changed, err := env.tickets.Transition(ctx, tx, ticket.ID, model.TicketStatusPaid, nil)
		if changed {
			t.Error("second Transition(paid) changed the ticket")
		}
		return err
	})
	if err != nil {
		t.Fatalf("second Transition() in tx error: %v", err)
	}
}
