package rtu

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"energy-monitor/internal/store"

	"go.uber.org/zap"
)

const keyPrefix = "rtu_"

// RTU 缓存时长
const (
	ShortTTL   = 60 * time.Second
	DefaultTTL = 300 * time.Second
	LongTTL    = 3600 * time.Second
)

func SystemHealthKey(gatewayID int64) string {
	return fmt.Sprintf("%ssystem_health_%d", keyPrefix, gatewayID)
}

func NetworkStatusKey(gatewayID int64) string {
	return fmt.Sprintf("%snetwork_status_%d", keyPrefix, gatewayID)
}

func IOStatusKey(gatewayID int64) string {
	return fmt.Sprintf("%sio_status_%d", keyPrefix, gatewayID)
}

// AlertsKey rtu_alerts_{id}_{md5(filters)|default}
func AlertsKey(gatewayID int64, filters any) string {
	return fmt.Sprintf("%salerts_%d_%s", keyPrefix, gatewayID, hashOr(filters, "default"))
}

// TrendsKey rtu_trends_{id}_{range}_{md5(metrics)|all}
func TrendsKey(gatewayID int64, timeRange string, metrics []string) string {
	var v any
	if len(metrics) > 0 {
		v = metrics
	}
	return fmt.Sprintf("%strends_%d_%s_%s", keyPrefix, gatewayID, timeRange, hashOr(v, "all"))
}

func hashOr(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" || string(b) == "{}" {
		return empty
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// TrendTTL 趋势数据缓存时长随时间范围增长
func TrendTTL(timeRange string) time.Duration {
	switch timeRange {
	case "1h":
		return ShortTTL
	case "7d", "30d":
		return LongTTL
	default:
		return DefaultTTL
	}
}

// Cache RTU 数据缓存（KV 为 nil 时所有操作为空操作）
type Cache struct {
	kv     store.KV
	logger *zap.Logger
}

func NewCache(kv store.KV, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{kv: kv, logger: logger}
}

// Get 命中返回 true；读取失败按未命中处理
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	if c == nil || c.kv == nil {
		return false
	}
	err := store.GetJSON(ctx, c.kv, key, out)
	if err == nil {
		return true
	}
	if !errors.Is(err, store.ErrMiss) {
		c.logger.Debug("RTU cache read failed", zap.String("key", key), zap.Error(err))
	}
	return false
}

func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) {
	if c == nil || c.kv == nil {
		return
	}
	if err := store.SetJSON(ctx, c.kv, key, v, ttl); err != nil {
		c.logger.Debug("RTU cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateGateway 删除网关的全部 RTU 缓存，返回删除的键数
func (c *Cache) InvalidateGateway(ctx context.Context, gatewayID int64) (int, error) {
	if c == nil || c.kv == nil {
		return 0, nil
	}
	exact := []string{SystemHealthKey(gatewayID), NetworkStatusKey(gatewayID), IOStatusKey(gatewayID)}
	total := 0
	for _, k := range exact {
		n, err := store.DeleteMatching(ctx, c.kv, k)
		if err != nil {
			return total, fmt.Errorf("failed to invalidate %s: %w", k, err)
		}
		total += n
	}
	for _, pattern := range []string{
		fmt.Sprintf("%salerts_%d_*", keyPrefix, gatewayID),
		fmt.Sprintf("%strends_%d_*", keyPrefix, gatewayID),
	} {
		n, err := store.DeleteMatching(ctx, c.kv, pattern)
		if err != nil {
			return total, fmt.Errorf("failed to invalidate %s: %w", pattern, err)
		}
		total += n
	}
	c.logger.Info("RTU gateway cache invalidated", zap.Int64("gateway_id", gatewayID), zap.Int("keys", total))
	return total, nil
}

// InvalidateAlerts 只删除网关的告警筛选缓存
func (c *Cache) InvalidateAlerts(ctx context.Context, gatewayID int64) (int, error) {
	if c == nil || c.kv == nil {
		return 0, nil
	}
	pattern := fmt.Sprintf("%salerts_%d_*", keyPrefix, gatewayID)
	n, err := store.DeleteMatching(ctx, c.kv, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate %s: %w", pattern, err)
	}
	return n, nil
}

// KeyBreakdown 按数据类型统计 rtu_ 前缀下的键数
func (c *Cache) KeyBreakdown(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	if c == nil || c.kv == nil {
		return out, nil
	}
	keys, err := c.kv.ScanKeys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan rtu cache keys: %w", err)
	}
	for _, k := range keys {
		out[keyType(k)]++
	}
	return out, nil
}

var keyTypes = []string{"fallback", "system_health", "network_status", "io_status", "alerts", "trends"}

func keyType(key string) string {
	for _, t := range keyTypes {
		if strings.Contains(key, t) {
			return t
		}
	}
	return "other"
}
