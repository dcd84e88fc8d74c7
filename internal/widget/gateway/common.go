// Package gateway 网关仪表盘 widget：数据范围为单个网关下用户可访问的设备。
//
// 所有 widget 都要求 config.gateway_id。
package gateway

import (
	"context"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"
)

// Deps 网关 widget 共享依赖
type Deps struct {
	Resolver *permission.Resolver
	Repos    repository.Set
}

func (d Deps) authorize(ctx context.Context, user *domain.User, widgetType string, cfg widget.Config) (bool, error) {
	return d.Resolver.CanAccessWidget(ctx, user, widgetType, permission.WidgetContext{GatewayID: cfg.GatewayID})
}

type scope struct {
	gateway   domain.Gateway
	devices   []domain.Device
	deviceIDs []int64
	deviceMap map[int64]domain.Device
}

func (d Deps) loadScope(ctx context.Context, user *domain.User, cfg widget.Config) (*scope, error) {
	gw, err := d.Repos.Gateways.GetGateway(ctx, *cfg.GatewayID)
	if err != nil {
		return nil, err
	}
	devices, err := d.Resolver.AuthorizedDevices(ctx, user, cfg.GatewayID)
	if err != nil {
		return nil, err
	}
	devices = cfg.NarrowDevices(devices)
	s := &scope{
		gateway:   *gw,
		devices:   devices,
		deviceIDs: domain.DeviceIDs(devices),
		deviceMap: make(map[int64]domain.Device, len(devices)),
	}
	for _, dev := range devices {
		s.deviceMap[dev.ID] = dev
	}
	return s, nil
}

func meta(widgetType, name, description, category string, priority, realtime int) widget.Meta {
	return widget.Meta{
		Type:             widgetType,
		Name:             name,
		Description:      description,
		Category:         category,
		Priority:         priority,
		RequiresGateway:  true,
		SupportsRealtime: realtime > 0,
		RealtimeInterval: realtime,
	}
}

func minutesSince(now time.Time, ts time.Time) float64 {
	m := now.Sub(ts).Minutes()
	if m < 0 {
		return 0
	}
	return m
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func lastTime(latest map[int64]time.Time) *time.Time {
	var out *time.Time
	for _, ts := range latest {
		if out == nil || ts.After(*out) {
			t := ts
			out = &t
		}
	}
	return out
}
