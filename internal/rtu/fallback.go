package rtu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/store"

	"go.uber.org/zap"
)

// DefaultFallbackTTL 降级数据保留时长
const DefaultFallbackTTL = time.Hour

const troubleshootingSubject = "RTU gateway"

// FallbackKey rtu_fallback_{gatewayId}_{dataType}
func FallbackKey(gatewayID int64, dataType string) string {
	return fmt.Sprintf("%sfallback_%d_%s", keyPrefix, gatewayID, dataType)
}

type fallbackEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// FallbackCache 保存最近一次成功采集的数据，采集失败时用于降级
type FallbackCache struct {
	kv     store.KV
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewFallbackCache ttl<=0 时使用 DefaultFallbackTTL
func NewFallbackCache(kv store.KV, ttl time.Duration, logger *zap.Logger) *FallbackCache {
	if ttl <= 0 {
		ttl = DefaultFallbackTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackCache{kv: kv, ttl: ttl, now: time.Now, logger: logger}
}

// WithClock 替换时钟（测试用）
func (f *FallbackCache) WithClock(now func() time.Time) *FallbackCache {
	f.now = now
	return f
}

// CacheSuccessful 记录一次成功采集
func (f *FallbackCache) CacheSuccessful(ctx context.Context, gatewayID int64, dataType string, payload any) error {
	if f.kv == nil {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode fallback payload: %w", err)
	}
	return store.SetJSON(ctx, f.kv, FallbackKey(gatewayID, dataType), fallbackEntry{Timestamp: f.now(), Data: b}, f.ttl)
}

func (f *FallbackCache) lookup(ctx context.Context, gatewayID int64, dataType string, out any) (time.Time, bool) {
	if f.kv == nil {
		return time.Time{}, false
	}
	var entry fallbackEntry
	if err := store.GetJSON(ctx, f.kv, FallbackKey(gatewayID, dataType), &entry); err != nil {
		if !errors.Is(err, store.ErrMiss) {
			f.logger.Debug("Fallback cache read failed", zap.Int64("gateway_id", gatewayID), zap.Error(err))
		}
		return time.Time{}, false
	}
	if err := json.Unmarshal(entry.Data, out); err != nil {
		f.logger.Debug("Fallback cache entry is malformed", zap.Int64("gateway_id", gatewayID), zap.Error(err))
		return time.Time{}, false
	}
	return entry.Timestamp, true
}

// HandleDataCollectionError 按 降级缓存 → 网关行最近值 → 不可用 的顺序构造降级结果。
// fromRow 返回 false 表示网关行没有可用的历史值。
func HandleDataCollectionError[T any](ctx context.Context, f *FallbackCache, gw *domain.Gateway, dataType string, err error, fromRow func(*domain.Gateway) (T, bool)) Payload[T] {
	kind := failure.KindOf(err)
	f.logger.Error("RTU data collection failed",
		zap.Int64("gateway_id", gw.ID),
		zap.String("gateway_name", gw.Name),
		zap.String("gateway_type", gw.GatewayType),
		zap.String("data_type", dataType),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)

	ce := &CollectionError{
		ErrorType:            kind,
		Message:              dataErrorMessage(kind, dataType),
		RetryAvailable:       failure.PolicyFor(kind).Retryable,
		LastSuccessfulUpdate: gw.LastSystemUpdate,
		Troubleshooting:      failure.Troubleshooting(kind, troubleshootingSubject),
	}
	if gw.LastSystemUpdate != nil {
		age := int(f.now().Sub(*gw.LastSystemUpdate).Minutes())
		ce.CacheAgeMinutes = &age
	}

	out := Payload[T]{Status: "error", Error: ce}
	if ts, ok := f.lookup(ctx, gw.ID, dataType, &out.Data); ok {
		ce.IsCached = true
		ce.CacheTimestamp = &ts
		ce.FallbackSource = SourceCache
		return out
	}
	if fromRow != nil {
		if data, ok := fromRow(gw); ok {
			out.Data = data
			ce.FallbackSource = SourceDatabase
			return out
		}
	}
	var zero T
	out.Data = zero
	ce.FallbackSource = SourceNone
	return out
}

func dataErrorMessage(kind failure.Kind, dataType string) string {
	switch kind {
	case failure.KindTimeout:
		return fmt.Sprintf("Connection to RTU gateway timed out. Showing last known %s data.", dataType)
	case failure.KindConnectionRefused:
		return "Unable to connect to RTU gateway. The device may be offline or unreachable."
	case failure.KindAuthentication:
		return "Authentication failed when connecting to RTU gateway. Please check credentials."
	case failure.KindNotFound:
		return "RTU gateway endpoint not found. The device configuration may have changed."
	case failure.KindInvalidResponse:
		return "Received invalid response from RTU gateway. The device may be experiencing issues."
	default:
		return fmt.Sprintf("Unable to retrieve %s data from RTU gateway. Showing cached information.", dataType)
	}
}

// HandleControlError 构造输出控制失败结果
func (f *FallbackCache) HandleControlError(gw *domain.Gateway, operation string, err error) *ControlResult {
	kind := failure.KindOf(err)
	f.logger.Error("RTU control operation failed",
		zap.Int64("gateway_id", gw.ID),
		zap.String("gateway_name", gw.Name),
		zap.String("operation", operation),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)
	return &ControlResult{
		Success: false,
		Message: controlErrorMessage(kind, operation),
		ControlFailure: &ControlFailure{
			ErrorType:            kind,
			RetrySuggested:       controlRetryable(kind),
			RetryDelay:           controlRetryDelay(kind),
			TroubleshootingSteps: controlTroubleshooting(kind),
			FallbackAction:       fallbackAction(operation),
			SupportContact:       failure.SupportContact(kind),
		},
	}
}

func controlErrorMessage(kind failure.Kind, operation string) string {
	switch kind {
	case failure.KindPermission, failure.KindAuthorization:
		return "You don't have permission to perform this control operation."
	case failure.KindHardware:
		return "Hardware module is offline or not responding. Control operation failed."
	case failure.KindValidation:
		return "Invalid control operation. Please check the requested state and try again."
	case failure.KindTimeout:
		return "Control operation timed out. The command may not have been executed."
	case failure.KindConnectionRefused:
		return "Unable to connect to RTU gateway for control operation."
	default:
		return fmt.Sprintf("Control operation failed: %s. Please try again or contact support.", operation)
	}
}

func controlRetryable(kind failure.Kind) bool {
	switch kind {
	case failure.KindTimeout, failure.KindConnectionRefused, failure.KindInvalidResponse:
		return true
	default:
		return false
	}
}

func controlRetryDelay(kind failure.Kind) int {
	switch kind {
	case failure.KindConnectionRefused:
		return 60
	case failure.KindInvalidResponse:
		return 15
	default:
		return 30
	}
}

func controlTroubleshooting(kind failure.Kind) []string {
	switch kind {
	case failure.KindPermission, failure.KindAuthorization:
		return []string{
			"Verify user has control permissions for this gateway",
			"Check if control operations are enabled for this device",
			"Contact administrator to grant necessary permissions",
		}
	case failure.KindHardware:
		return []string{
			"Check I/O module status on RTU gateway",
			"Verify physical connections to I/O terminals",
			"Restart RTU gateway if safe to do so",
			"Contact maintenance team for hardware inspection",
		}
	case failure.KindValidation:
		return []string{
			"Verify the requested operation is supported",
			"Check if output is already in the requested state",
			"Ensure operation parameters are within valid range",
		}
	default:
		return append(failure.Troubleshooting(kind, troubleshootingSubject), "Wait a few moments and try the operation again")
	}
}

func fallbackAction(operation string) string {
	switch operation {
	case OutputDO1, OutputDO2:
		return "Manual control may be available directly on the RTU gateway device"
	default:
		return "Check RTU gateway web interface for manual control options"
	}
}

// ClearFallbackCache 清除指定类型；dataType 为 nil 时清除全部采集类型
func (f *FallbackCache) ClearFallbackCache(ctx context.Context, gatewayID int64, dataType *string) error {
	if f.kv == nil {
		return nil
	}
	types := FallbackDataTypes
	if dataType != nil {
		types = []string{*dataType}
	}
	keys := make([]string, 0, len(types))
	for _, t := range types {
		keys = append(keys, FallbackKey(gatewayID, t))
	}
	if err := f.kv.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear fallback cache for gateway %d: %w", gatewayID, err)
	}
	return nil
}
