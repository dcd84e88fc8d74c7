package domain

import "time"

// GatewayTypeRUT956 Teltonika RUT956 RTU 网关类型
const GatewayTypeRUT956 = "teltonika_rut956"

// 网关通信状态
const (
	CommOnline  = "online"
	CommOffline = "offline"
	CommUnknown = "unknown"
)

// Gateway 网关领域模型（对应 gateways 表）
// 遥测字段可为空，使用指针区分“未采集”与零值
type Gateway struct {
	ID           int64  `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	FixedIP      string `db:"fixed_ip" json:"fixed_ip,omitempty"`
	SIMNumber    string `db:"sim_number" json:"sim_number,omitempty"`
	GSMSignal    *int   `db:"gsm_signal" json:"gsm_signal,omitempty"`
	GNSSLocation string `db:"gnss_location" json:"gnss_location,omitempty"`
	GatewayType  string `db:"gateway_type" json:"gateway_type,omitempty"`

	WANIP       *string `db:"wan_ip" json:"wan_ip,omitempty"`
	SIMICCID    *string `db:"sim_iccid" json:"sim_iccid,omitempty"`
	SIMAPN      *string `db:"sim_apn" json:"sim_apn,omitempty"`
	SIMOperator *string `db:"sim_operator" json:"sim_operator,omitempty"`

	CPULoad     *float64 `db:"cpu_load" json:"cpu_load,omitempty"`
	MemoryUsage *float64 `db:"memory_usage" json:"memory_usage,omitempty"`
	UptimeHours *int     `db:"uptime_hours" json:"uptime_hours,omitempty"`

	RSSI *int `db:"rssi" json:"rssi,omitempty"`
	RSRP *int `db:"rsrp" json:"rsrp,omitempty"`
	RSRQ *int `db:"rsrq" json:"rsrq,omitempty"`
	SINR *int `db:"sinr" json:"sinr,omitempty"`

	DI1Status          *bool    `db:"di1_status" json:"di1_status,omitempty"`
	DI2Status          *bool    `db:"di2_status" json:"di2_status,omitempty"`
	DO1Status          *bool    `db:"do1_status" json:"do1_status,omitempty"`
	DO2Status          *bool    `db:"do2_status" json:"do2_status,omitempty"`
	AnalogInputVoltage *float64 `db:"analog_input_voltage" json:"analog_input_voltage,omitempty"`

	LastSystemUpdate    *time.Time `db:"last_system_update" json:"last_system_update,omitempty"`
	CommunicationStatus string     `db:"communication_status" json:"communication_status,omitempty"`
}

// IsRTU 是否为 RTU 网关
func (g *Gateway) IsRTU() bool {
	return g.GatewayType == GatewayTypeRUT956
}

// SystemHealthScore 基于 CPU / 内存 / 通信状态的系统健康分（0-100）
func (g *Gateway) SystemHealthScore() int {
	score := 100
	if g.CPULoad != nil && *g.CPULoad > 80 {
		score -= 20
	}
	if g.MemoryUsage != nil && *g.MemoryUsage > 90 {
		score -= 30
	}
	if g.CommunicationStatus != CommOnline {
		score -= 50
	}
	if score < 0 {
		return 0
	}
	return score
}

// SignalQualityStatus 基于 RSSI 的信号质量等级
func (g *Gateway) SignalQualityStatus() string {
	if g.RSSI == nil {
		return "unknown"
	}
	switch rssi := *g.RSSI; {
	case rssi > -70:
		return "excellent"
	case rssi > -85:
		return "good"
	case rssi > -100:
		return "fair"
	default:
		return "poor"
	}
}

// GatewayTelemetry 一次遥测回写涉及的字段（nil 表示不更新）
type GatewayTelemetry struct {
	WANIP       *string
	SIMICCID    *string
	SIMAPN      *string
	SIMOperator *string

	CPULoad     *float64
	MemoryUsage *float64
	UptimeHours *int

	RSSI *int
	RSRP *int
	RSRQ *int
	SINR *int

	DI1Status          *bool
	DI2Status          *bool
	DO1Status          *bool
	DO2Status          *bool
	AnalogInputVoltage *float64

	CommunicationStatus *string
	LastSystemUpdate    time.Time
}

// Apply 将遥测写入网关对象（内存仓库与回写后的本地副本共用）
func (t GatewayTelemetry) Apply(g *Gateway) {
	if t.WANIP != nil {
		g.WANIP = t.WANIP
	}
	if t.SIMICCID != nil {
		g.SIMICCID = t.SIMICCID
	}
	if t.SIMAPN != nil {
		g.SIMAPN = t.SIMAPN
	}
	if t.SIMOperator != nil {
		g.SIMOperator = t.SIMOperator
	}
	if t.CPULoad != nil {
		g.CPULoad = t.CPULoad
	}
	if t.MemoryUsage != nil {
		g.MemoryUsage = t.MemoryUsage
	}
	if t.UptimeHours != nil {
		g.UptimeHours = t.UptimeHours
	}
	if t.RSSI != nil {
		g.RSSI = t.RSSI
	}
	if t.RSRP != nil {
		g.RSRP = t.RSRP
	}
	if t.RSRQ != nil {
		g.RSRQ = t.RSRQ
	}
	if t.SINR != nil {
		g.SINR = t.SINR
	}
	if t.DI1Status != nil {
		g.DI1Status = t.DI1Status
	}
	if t.DI2Status != nil {
		g.DI2Status = t.DI2Status
	}
	if t.DO1Status != nil {
		g.DO1Status = t.DO1Status
	}
	if t.DO2Status != nil {
		g.DO2Status = t.DO2Status
	}
	if t.AnalogInputVoltage != nil {
		g.AnalogInputVoltage = t.AnalogInputVoltage
	}
	if t.CommunicationStatus != nil {
		g.CommunicationStatus = *t.CommunicationStatus
	}
	if !t.LastSystemUpdate.IsZero() {
		ts := t.LastSystemUpdate
		g.LastSystemUpdate = &ts
	}
}
