// Package redis go-redis 客户端构造与 Streams 辅助函数。
package redis

import (
	"context"
	"fmt"
	"time"

	"energy-monitor/common/config"

	"github.com/go-redis/redis/v8"
)

// 阻塞命令（XREADGROUP BLOCK）的读超时由 go-redis 按 Block 自动放宽
const (
	dialTimeout  = 3 * time.Second
	readTimeout  = 10 * time.Second
	writeTimeout = 3 * time.Second
	minIdleConns = 2
)

// NewRedisClient 创建客户端，不做连通性检查
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		MinIdleConns: minIdleConns,
	})
}

// WaitReady 按固定间隔 PING，直到成功、次数耗尽或 ctx 结束
func WaitReady(ctx context.Context, client *redis.Client, attempts int, interval time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("redis %s not ready after %d attempts: %w", client.Options().Addr, attempts, err)
}

func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
