// Package dashboard 组装 widget：按类型创建实例、批量渲染、清缓存。
package dashboard

import (
	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"
	"energy-monitor/internal/widget/gateway"
	"energy-monitor/internal/widget/global"

	"go.uber.org/zap"
)

// Factory 按类型标识创建 widget 实例
type Factory struct {
	base    *widget.Base
	global  global.Deps
	gateway gateway.Deps
}

// NewFactory 创建 Factory
func NewFactory(base *widget.Base, resolver *permission.Resolver, repos repository.Set, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		base:    base,
		global:  global.Deps{Resolver: resolver, Repos: repos, Logger: logger},
		gateway: gateway.Deps{Resolver: resolver, Repos: repos},
	}
}

// Base widget 公共依赖
func (f *Factory) Base() *widget.Base { return f.base }

// Create 创建 widget 实例；未知类型返回 validation 错误
func (f *Factory) Create(user *domain.User, widgetType string, cfg widget.Config) (widget.Renderer, error) {
	switch widgetType {
	case domain.WidgetSystemOverview:
		return widget.New[global.SystemOverviewData](f.base, global.NewSystemOverview(f.global), user, cfg)
	case domain.WidgetCrossGatewayAlerts:
		return widget.New[global.CrossGatewayAlertsData](f.base, global.NewCrossGatewayAlerts(f.global), user, cfg)
	case domain.WidgetTopConsumingGateways:
		return widget.New[global.TopConsumingData](f.base, global.NewTopConsumingGateways(f.global), user, cfg)
	case domain.WidgetSystemHealth:
		return widget.New[global.SystemHealthData](f.base, global.NewSystemHealth(f.global), user, cfg)
	case domain.WidgetGatewayStats:
		return widget.New[gateway.GatewayStatsData](f.base, gateway.NewStats(f.gateway), user, cfg)
	case domain.WidgetGatewayAlerts:
		return widget.New[gateway.GatewayAlertsData](f.base, gateway.NewAlerts(f.gateway), user, cfg)
	case domain.WidgetGatewayDeviceList:
		return widget.New[gateway.DeviceListData](f.base, gateway.NewDeviceList(f.gateway), user, cfg)
	case domain.WidgetRealTimeReadings:
		return widget.New[gateway.RealTimeReadingsData](f.base, gateway.NewRealTimeReadings(f.gateway), user, cfg)
	default:
		return nil, failure.Newf(failure.KindValidation, "dashboard.Create", "unknown widget type %q", widgetType)
	}
}

// TopConsuming 直接返回强类型实例（导出报表用）
func (f *Factory) TopConsuming(user *domain.User, cfg widget.Config) (*widget.Instance[global.TopConsumingData], error) {
	return widget.New[global.TopConsumingData](f.base, global.NewTopConsumingGateways(f.global), user, cfg)
}

// GatewayAlerts 直接返回强类型实例（导出报表用）
func (f *Factory) GatewayAlerts(user *domain.User, cfg widget.Config) (*widget.Instance[gateway.GatewayAlertsData], error) {
	return widget.New[gateway.GatewayAlertsData](f.base, gateway.NewAlerts(f.gateway), user, cfg)
}

// Meta 返回 widget 类型的元信息
func (f *Factory) Meta(widgetType string) (widget.Meta, bool) {
	switch widgetType {
	case domain.WidgetSystemOverview:
		return global.NewSystemOverview(f.global).Meta(), true
	case domain.WidgetCrossGatewayAlerts:
		return global.NewCrossGatewayAlerts(f.global).Meta(), true
	case domain.WidgetTopConsumingGateways:
		return global.NewTopConsumingGateways(f.global).Meta(), true
	case domain.WidgetSystemHealth:
		return global.NewSystemHealth(f.global).Meta(), true
	case domain.WidgetGatewayStats:
		return gateway.NewStats(f.gateway).Meta(), true
	case domain.WidgetGatewayAlerts:
		return gateway.NewAlerts(f.gateway).Meta(), true
	case domain.WidgetGatewayDeviceList:
		return gateway.NewDeviceList(f.gateway).Meta(), true
	case domain.WidgetRealTimeReadings:
		return gateway.NewRealTimeReadings(f.gateway).Meta(), true
	default:
		return widget.Meta{}, false
	}
}
