// Package rtu Teltonika RUT956 RTU 网关的数据采集、告警分组、缓存与降级。
package rtu

// RTU 系统状态
const (
	StatusUnavailable = "unavailable"
	StatusCritical    = "critical"
	StatusWarning     = "warning"
	StatusOffline     = "offline"
	StatusNormal      = "normal"
)

// SystemSample 一次系统信息采集结果；nil 表示该项未采集到
type SystemSample struct {
	CPULoad     *float64 `json:"cpu_load"`
	MemoryUsage *float64 `json:"memory_usage"`
	UptimeHours *int     `json:"uptime_hours"`
}

// DetermineSystemStatus 按顺序判定：全部缺失 → 资源临界 → 资源告警 → 无运行时长 → 正常
func DetermineSystemStatus(s SystemSample) string {
	if s.CPULoad == nil && s.MemoryUsage == nil && s.UptimeHours == nil {
		return StatusUnavailable
	}
	if atLeast(s.CPULoad, 95) || atLeast(s.MemoryUsage, 90) {
		return StatusCritical
	}
	if atLeast(s.CPULoad, 80) || atLeast(s.MemoryUsage, 85) {
		return StatusWarning
	}
	if s.UptimeHours != nil && *s.UptimeHours <= 0 {
		return StatusOffline
	}
	return StatusNormal
}

func atLeast(v *float64, threshold float64) bool {
	return v != nil && *v >= threshold
}
