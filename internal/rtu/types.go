package rtu

import (
	"time"

	"energy-monitor/internal/failure"
)

// 采集数据类型（降级缓存键的组成部分）
const (
	DataSystemHealth  = "system_health"
	DataNetworkStatus = "network_status"
	DataIOStatus      = "io_status"
)

// FallbackDataTypes ClearFallbackCache 未指定类型时清除的全部类型
var FallbackDataTypes = []string{DataSystemHealth, DataNetworkStatus, DataIOStatus}

// 降级数据来源
const (
	SourceCache    = "cache"
	SourceDatabase = "database"
	SourceNone     = "none"
)

type SystemHealth struct {
	UptimeHours *int       `json:"uptime_hours"`
	CPULoad     *float64   `json:"cpu_load"`
	MemoryUsage *float64   `json:"memory_usage"`
	HealthScore int        `json:"health_score"`
	Status      string     `json:"status"`
	LastUpdated *time.Time `json:"last_updated"`
}

type SignalQuality struct {
	RSSI   *int   `json:"rssi"`
	RSRP   *int   `json:"rsrp"`
	RSRQ   *int   `json:"rsrq"`
	SINR   *int   `json:"sinr"`
	Status string `json:"status"`
}

type NetworkStatus struct {
	WANIP            string        `json:"wan_ip"`
	SIMICCID         string        `json:"sim_iccid"`
	SIMAPN           string        `json:"sim_apn"`
	SIMOperator      string        `json:"sim_operator"`
	SignalQuality    SignalQuality `json:"signal_quality"`
	ConnectionStatus string        `json:"connection_status"`
	LastUpdated      *time.Time    `json:"last_updated"`
}

type IOPoint struct {
	Status       bool   `json:"status"`
	Label        string `json:"label"`
	Controllable bool   `json:"controllable,omitempty"`
}

type AnalogInput struct {
	Voltage   float64 `json:"voltage"`
	Unit      string  `json:"unit"`
	Range     string  `json:"range"`
	Precision int     `json:"precision"`
}

type IOStatus struct {
	DigitalInputs  map[string]IOPoint `json:"digital_inputs"`
	DigitalOutputs map[string]IOPoint `json:"digital_outputs"`
	AnalogInput    AnalogInput        `json:"analog_input"`
	LastUpdated    *time.Time         `json:"last_updated"`
}

// CollectionError 采集失败时随降级数据一起返回的说明
type CollectionError struct {
	ErrorType            failure.Kind `json:"error_type"`
	Message              string       `json:"message"`
	RetryAvailable       bool         `json:"retry_available"`
	LastSuccessfulUpdate *time.Time   `json:"last_successful_update"`
	Troubleshooting      []string     `json:"troubleshooting"`
	CacheAgeMinutes      *int         `json:"cache_age_minutes"`
	IsCached             bool         `json:"is_cached"`
	CacheTimestamp       *time.Time   `json:"cache_timestamp,omitempty"`
	FallbackSource       string       `json:"fallback_source"`
}

// Payload 采集结果；Status 为 error 时 Data 为降级数据
type Payload[T any] struct {
	Status    string           `json:"status"`
	Data      T                `json:"data"`
	FromCache bool             `json:"from_cache"`
	Error     *CollectionError `json:"error,omitempty"`
}

// ControlFailure 输出控制失败的说明
type ControlFailure struct {
	ErrorType            failure.Kind    `json:"error_type"`
	RetrySuggested       bool            `json:"retry_suggested"`
	RetryDelay           int             `json:"retry_delay"` // 秒
	TroubleshootingSteps []string        `json:"troubleshooting_steps"`
	FallbackAction       string          `json:"fallback_action"`
	SupportContact       failure.Contact `json:"support_contact"`
}

// ControlResult 输出控制结果；失败时内嵌 ControlFailure
type ControlResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	NewState *bool  `json:"new_state,omitempty"`
	*ControlFailure
}

type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

type TrendData struct {
	HasData          bool                     `json:"has_data"`
	Message          string                   `json:"message,omitempty"`
	TimeRange        string                   `json:"time_range"`
	StartTime        time.Time                `json:"start_time"`
	EndTime          time.Time                `json:"end_time"`
	Metrics          map[string][]MetricPoint `json:"metrics"`
	AvailableMetrics []string                 `json:"available_metrics"`
}
