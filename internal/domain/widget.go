package domain

// Widget 类型标识
const (
	WidgetSystemOverview       = "system-overview"
	WidgetCrossGatewayAlerts   = "cross-gateway-alerts"
	WidgetTopConsumingGateways = "top-consuming-gateways"
	WidgetSystemHealth         = "system-health"

	WidgetGatewayStats      = "gateway-stats"
	WidgetGatewayAlerts     = "gateway-alerts"
	WidgetGatewayDeviceList = "gateway-device-list"
	WidgetRealTimeReadings  = "real-time-readings"
)

// 仪表盘类型
const (
	DashboardGlobal  = "global"
	DashboardGateway = "gateway"
)

// GlobalWidgetTypes 全局仪表盘的 widget
var GlobalWidgetTypes = []string{
	WidgetSystemOverview,
	WidgetCrossGatewayAlerts,
	WidgetTopConsumingGateways,
	WidgetSystemHealth,
}

// GatewayWidgetTypes 网关仪表盘的 widget（均需 gateway_id）
var GatewayWidgetTypes = []string{
	WidgetGatewayStats,
	WidgetGatewayAlerts,
	WidgetGatewayDeviceList,
	WidgetRealTimeReadings,
}

// IsGatewayWidget 是否为网关级 widget
func IsGatewayWidget(widgetType string) bool {
	for _, t := range GatewayWidgetTypes {
		if t == widgetType {
			return true
		}
	}
	return false
}

// IsGlobalWidget 是否为全局 widget
func IsGlobalWidget(widgetType string) bool {
	for _, t := range GlobalWidgetTypes {
		if t == widgetType {
			return true
		}
	}
	return false
}
