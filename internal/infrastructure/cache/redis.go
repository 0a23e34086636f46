package cache

import (
	"context"
	"fmt"
	"time"

	"creditpay/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// InitRedis 初始化 Redis，未配置时返回 nil
func InitRedis(cfg *config.RedisConfig, log logrus.FieldLogger) (*redis.Client, error) {
	if !cfg.Enabled() {
		log.Info("未配置 Redis，跳过初始化")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	log.Info("Redis 连接成功")
	return client, nil
}
