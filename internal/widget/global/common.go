// Package global 全局仪表盘 widget：数据范围为用户授权的全部网关与设备。
package global

import (
	"context"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"

	"go.uber.org/zap"
)

// Deps 全局 widget 共享依赖
type Deps struct {
	Resolver *permission.Resolver
	Repos    repository.Set
	Logger   *zap.Logger
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Deps) authorize(ctx context.Context, user *domain.User, widgetType string, cfg widget.Config) (bool, error) {
	return d.Resolver.CanAccessWidget(ctx, user, widgetType, permission.WidgetContext{GatewayID: cfg.GatewayID})
}

// scope 用户授权范围
type scope struct {
	gateways  []domain.Gateway
	devices   []domain.Device
	deviceIDs []int64
	byGateway map[int64][]domain.Device
	deviceMap map[int64]domain.Device
	gwNames   map[int64]string
}

func (d Deps) loadScope(ctx context.Context, user *domain.User) (*scope, error) {
	gateways, err := d.Resolver.AuthorizedGateways(ctx, user)
	if err != nil {
		return nil, err
	}
	devices, err := d.Resolver.AuthorizedDevices(ctx, user, nil)
	if err != nil {
		return nil, err
	}
	s := &scope{
		gateways:  gateways,
		devices:   devices,
		deviceIDs: domain.DeviceIDs(devices),
		byGateway: map[int64][]domain.Device{},
		deviceMap: map[int64]domain.Device{},
		gwNames:   map[int64]string{},
	}
	for _, dev := range devices {
		s.byGateway[dev.GatewayID] = append(s.byGateway[dev.GatewayID], dev)
		s.deviceMap[dev.ID] = dev
	}
	for _, g := range gateways {
		s.gwNames[g.ID] = g.Name
	}
	return s, nil
}

func (s *scope) gatewayOf(deviceID int64) int64 {
	return s.deviceMap[deviceID].GatewayID
}

// latestPerDevice 每个设备时间最新的一条读数
func latestPerDevice(readings []domain.Reading) map[int64]domain.Reading {
	out := map[int64]domain.Reading{}
	for _, r := range readings {
		if cur, ok := out[r.DeviceID]; !ok || r.Timestamp.After(cur.Timestamp) {
			out[r.DeviceID] = r
		}
	}
	return out
}

func values(readings []domain.Reading) []float64 {
	out := make([]float64, 0, len(readings))
	for _, r := range readings {
		out = append(out, r.Value)
	}
	return out
}

func since(readings []domain.Reading, t time.Time) []domain.Reading {
	out := []domain.Reading{}
	for _, r := range readings {
		if !r.Timestamp.Before(t) {
			out = append(out, r)
		}
	}
	return out
}

func countSeverities(alerts []domain.Alert) (critical, warning, info int) {
	for _, a := range alerts {
		switch a.Severity {
		case domain.SeverityCritical:
			critical++
		case domain.SeverityWarning:
			warning++
		case domain.SeverityInfo:
			info++
		}
	}
	return
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
