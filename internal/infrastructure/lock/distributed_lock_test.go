package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestTradeLock_MutualExclusion(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	a := NewTradeLock(client, "T100", "req-a")
	b := NewTradeLock(client, "T100", "req-b")

	ok, err := a.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("a.TryLock() = %v, %v; want true, nil", ok, err)
	}
	ok, err = b.TryLock(ctx)
	if err != nil {
		t.Fatalf("b.TryLock() error: %v", err)
	}
	if ok {
		t.Fatal("b.TryLock() = true while a holds the lock")
	}

	// b 不能释放 a 的锁
	if err := b.Unlock(ctx); !errors.Is(err, ErrLockExpired) {
		t.Errorf("b.Unlock() error = %v, want ErrLockExpired", err)
	}
	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("a.Unlock() error: %v", err)
	}

	ok, err = b.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("b.TryLock() after release = %v, %v; want true, nil", ok, err)
	}
}

func TestTradeLock_DifferentTradesIndependent(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if ok, _ := NewTradeLock(client, "T1", "r").TryLock(ctx); !ok {
		t.Fatal("lock T1 failed")
	}
	if ok, _ := NewTradeLock(client, "T2", "r").TryLock(ctx); !ok {
		t.Fatal("lock T2 blocked by T1")
	}
}

func TestLock_GivesUpAfterRetries(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	holder := NewTradeLock(client, "T9", "holder")
	if ok, _ := holder.TryLock(ctx); !ok {
		t.Fatal("holder TryLock failed")
	}

	waiter := NewTradeLock(client, "T9", "waiter")
	err := waiter.Lock(ctx, time.Millisecond, 3)
	if !errors.Is(err, ErrLockFailed) {
		t.Fatalf("Lock() error = %v, want ErrLockFailed", err)
	}
}

func TestLock_ExpiresAfterTTL(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	l := NewDistributedLock(client, "k", "v1", time.Second)
	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("TryLock failed")
	}
	mr.FastForward(2 * time.Second)

	other := NewDistributedLock(client, "k", "v2", time.Second)
	if ok, _ := other.TryLock(ctx); !ok {
		t.Fatal("lock not released after TTL")
	}
	if err := l.Unlock(ctx); !errors.Is(err, ErrLockExpired) {
		t.Errorf("stale Unlock() error = %v, want ErrLockExpired", err)
	}
}
