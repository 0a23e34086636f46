package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const balanceKeyPrefix = "credit:balance:"

// BalanceCache 余额读缓存，client 为 nil 时所有操作都是空操作
//
// 缓存只用于读，写路径在事务提交后删除 key，数据库始终是唯一真实来源
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(userID string) string {
	return fmt.Sprintf("%s%s", balanceKeyPrefix, userID)
}

// Get 命中返回 (balance, true)
func (c *BalanceCache) Get(ctx context.Context, userID string) (decimal.Decimal, bool) {
	if c == nil || c.client == nil {
		return decimal.Zero, false
	}
	val, err := c.client.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	balance, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false
	}
	return balance, true
}

func (c *BalanceCache) Set(ctx context.Context, userID string, balance decimal.Decimal) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, balanceKey(userID), balance.String(), c.ttl).Err()
}

func (c *BalanceCache) Invalidate(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	err := c.client.Del(ctx, balanceKey(userID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
