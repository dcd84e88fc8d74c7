// Package permission 解析用户可访问的网关 / 设备 / widget 范围。
//
// admin 看到全部；operator 的范围 = 直接分配的设备 ∪ 分配网关下的设备。
// operator 的 ID 列表按用户缓存在 KV 中（user_gateways_{id} / user_devices_{id}）。
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/store"

	"go.uber.org/zap"
)

// DefaultCacheTTL 权限缓存时长
const DefaultCacheTTL = 300 * time.Second

// WidgetContext widget 访问判定上下文
type WidgetContext struct {
	GatewayID *int64
}

// Resolver 权限解析器
type Resolver struct {
	repos  repository.Set
	kv     store.KV
	ttl    time.Duration
	logger *zap.Logger
}

// NewResolver 创建权限解析器；ttl<=0 时使用默认值
func NewResolver(repos repository.Set, kv store.KV, ttl time.Duration, logger *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{repos: repos, kv: kv, ttl: ttl, logger: logger}
}

func GatewaysCacheKey(userID int64) string { return fmt.Sprintf("user_gateways_%d", userID) }
func DevicesCacheKey(userID int64) string  { return fmt.Sprintf("user_devices_%d", userID) }

// AuthorizedGateways 用户可访问的网关
func (r *Resolver) AuthorizedGateways(ctx context.Context, user *domain.User) ([]domain.Gateway, error) {
	if user == nil {
		return []domain.Gateway{}, nil
	}
	if user.IsAdmin() {
		return r.repos.Gateways.ListGateways(ctx)
	}
	ids, err := r.cachedIDs(ctx, GatewaysCacheKey(user.ID), func() ([]int64, error) {
		return r.operatorGatewayIDs(ctx, user.ID)
	})
	if err != nil {
		return nil, err
	}
	return r.repos.Gateways.GetGatewaysByIDs(ctx, ids)
}

// AuthorizedDevices 用户可访问的设备；gatewayID 非空时只返回该网关下的设备
func (r *Resolver) AuthorizedDevices(ctx context.Context, user *domain.User, gatewayID *int64) ([]domain.Device, error) {
	if user == nil {
		return []domain.Device{}, nil
	}

	if user.IsAdmin() {
		if gatewayID != nil {
			return r.repos.Devices.ListDevicesByGateways(ctx, []int64{*gatewayID})
		}
		return r.repos.Devices.ListDevices(ctx)
	}

	ids, err := r.cachedIDs(ctx, DevicesCacheKey(user.ID), func() ([]int64, error) {
		return r.operatorDeviceIDs(ctx, user.ID)
	})
	if err != nil {
		return nil, err
	}
	devices, err := r.repos.Devices.GetDevicesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if gatewayID == nil {
		return devices, nil
	}
	filtered := make([]domain.Device, 0, len(devices))
	for _, d := range devices {
		if d.GatewayID == *gatewayID {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

// CanAccessGateway 是否可访问网关
func (r *Resolver) CanAccessGateway(ctx context.Context, user *domain.User, gatewayID int64) (bool, error) {
	if user == nil {
		return false, nil
	}
	if user.IsAdmin() {
		if _, err := r.repos.Gateways.GetGateway(ctx, gatewayID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	ids, err := r.cachedIDs(ctx, GatewaysCacheKey(user.ID), func() ([]int64, error) {
		return r.operatorGatewayIDs(ctx, user.ID)
	})
	if err != nil {
		return false, err
	}
	return contains(ids, gatewayID), nil
}

// CanAccessDevice 是否可访问设备
func (r *Resolver) CanAccessDevice(ctx context.Context, user *domain.User, deviceID int64) (bool, error) {
	if user == nil {
		return false, nil
	}
	if user.IsAdmin() {
		if _, err := r.repos.Devices.GetDevice(ctx, deviceID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	ids, err := r.cachedIDs(ctx, DevicesCacheKey(user.ID), func() ([]int64, error) {
		return r.operatorDeviceIDs(ctx, user.ID)
	})
	if err != nil {
		return false, err
	}
	return contains(ids, deviceID), nil
}

// HasAnyDeviceAccess 是否至少可访问一个设备
func (r *Resolver) HasAnyDeviceAccess(ctx context.Context, user *domain.User) (bool, error) {
	devices, err := r.AuthorizedDevices(ctx, user, nil)
	if err != nil {
		return false, err
	}
	return len(devices) > 0, nil
}

// CanAccessWidget widget 访问判定；未知类型一律拒绝
func (r *Resolver) CanAccessWidget(ctx context.Context, user *domain.User, widgetType string, wc WidgetContext) (bool, error) {
	switch widgetType {
	case domain.WidgetSystemOverview, domain.WidgetTopConsumingGateways, domain.WidgetSystemHealth:
		gws, err := r.AuthorizedGateways(ctx, user)
		if err != nil {
			return false, err
		}
		return len(gws) > 0, nil
	case domain.WidgetCrossGatewayAlerts:
		return r.HasAnyDeviceAccess(ctx, user)
	default:
		if !domain.IsGatewayWidget(widgetType) {
			return false, nil
		}
		if wc.GatewayID == nil {
			return false, nil
		}
		return r.CanAccessGateway(ctx, user, *wc.GatewayID)
	}
}

// AuthorizedWidgets 仪表盘中用户可见的 widget 类型
func (r *Resolver) AuthorizedWidgets(ctx context.Context, user *domain.User, dashboardType string, gatewayID *int64) ([]string, error) {
	var candidates []string
	switch dashboardType {
	case domain.DashboardGlobal:
		candidates = domain.GlobalWidgetTypes
	case domain.DashboardGateway:
		if gatewayID == nil {
			return []string{}, nil
		}
		candidates = domain.GatewayWidgetTypes
	default:
		return []string{}, nil
	}

	out := make([]string, 0, len(candidates))
	for _, t := range candidates {
		ok, err := r.CanAccessWidget(ctx, user, t, WidgetContext{GatewayID: gatewayID})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// AuthorizedAlerts 限定在授权设备范围内的告警
func (r *Resolver) AuthorizedAlerts(ctx context.Context, user *domain.User, gatewayID *int64, f repository.AlertFilter) ([]domain.Alert, error) {
	devices, err := r.AuthorizedDevices(ctx, user, gatewayID)
	if err != nil {
		return nil, err
	}
	f.DeviceIDs = domain.DeviceIDs(devices)
	return r.repos.Alerts.ListAlerts(ctx, f)
}

// ClearUserCache 清除用户的权限缓存
func (r *Resolver) ClearUserCache(ctx context.Context, userID int64) error {
	if r.kv == nil {
		return nil
	}
	if err := r.kv.Delete(ctx, GatewaysCacheKey(userID), DevicesCacheKey(userID)); err != nil {
		return fmt.Errorf("failed to clear permission cache for user %d: %w", userID, err)
	}
	r.logger.Debug("Permission cache cleared", zap.Int64("user_id", userID))
	return nil
}

func (r *Resolver) operatorGatewayIDs(ctx context.Context, userID int64) ([]int64, error) {
	assigned, err := r.repos.Assignments.AssignedGatewayIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load gateway assignments: %w", err)
	}
	deviceIDs, err := r.repos.Assignments.AssignedDeviceIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device assignments: %w", err)
	}
	devices, err := r.repos.Devices.GetDevicesByIDs(ctx, deviceIDs)
	if err != nil {
		return nil, err
	}
	return union(assigned, domain.GatewayIDsOf(devices)), nil
}

func (r *Resolver) operatorDeviceIDs(ctx context.Context, userID int64) ([]int64, error) {
	direct, err := r.repos.Assignments.AssignedDeviceIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device assignments: %w", err)
	}
	gatewayIDs, err := r.repos.Assignments.AssignedGatewayIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load gateway assignments: %w", err)
	}
	viaGateway, err := r.repos.Devices.ListDevicesByGateways(ctx, gatewayIDs)
	if err != nil {
		return nil, err
	}
	return union(direct, domain.DeviceIDs(viaGateway)), nil
}

// cachedIDs cache-aside 读取 ID 列表；缓存异常时回退到仓库
func (r *Resolver) cachedIDs(ctx context.Context, key string, load func() ([]int64, error)) ([]int64, error) {
	if r.kv != nil {
		var ids []int64
		err := store.GetJSON(ctx, r.kv, key, &ids)
		if err == nil {
			return ids, nil
		}
		if !errors.Is(err, store.ErrMiss) {
			r.logger.Debug("Permission cache read failed, falling back to repository", zap.String("key", key), zap.Error(err))
		}
	}

	ids, err := load()
	if err != nil {
		return nil, err
	}
	if r.kv != nil {
		if err := store.SetJSON(ctx, r.kv, key, ids, r.ttl); err != nil {
			r.logger.Debug("Permission cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return ids, nil
}

func union(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
