package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// 回调按单号串行化的 Redis 锁。SET NX PX 加锁，释放时比对持有者。
// 只用来降低同单并发回调时的行锁竞争，入账的唯一性由数据库条件更新保证。

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

const tradeLockTTL = 30 * time.Second

// releaseScript 仅当 value 匹配时删除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type DistributedLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewDistributedLock(client *redis.Client, key, owner string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{client: client, key: key, owner: owner, ttl: ttl}
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

// Lock 每隔 retryInterval 重试一次，最多 maxRetries 次
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < maxRetries; attempt++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return ErrLockFailed
}

// Unlock 锁已过期或已被他人持有时返回 ErrLockExpired
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockExpired
	}
	return nil
}

func tradeLockKey(tradeNo string) string {
	return "callback:lock:trade:" + tradeNo
}

// NewTradeLock 按充值单号加锁，不同单号互不影响
func NewTradeLock(client *redis.Client, tradeNo, requestID string) *DistributedLock {
	return NewDistributedLock(client, tradeLockKey(tradeNo), requestID, tradeLockTTL)
}
