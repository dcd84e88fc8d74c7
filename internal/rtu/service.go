package rtu

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Trend 时间范围
var trendRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// DefaultTrendRange 未知或为空时使用
const DefaultTrendRange = "24h"

// Trend 指标
const (
	MetricSignalStrength = "signal_strength"
	MetricCPULoad        = "cpu_load"
	MetricMemoryUsage    = "memory_usage"
	MetricAnalogInput    = "analog_input"
)

// TrendMetrics 默认返回的指标
var TrendMetrics = []string{MetricSignalStrength, MetricCPULoad, MetricMemoryUsage, MetricAnalogInput}

// ControlLimit 每个网关的输出控制频率
type ControlLimit struct {
	Every time.Duration
	Burst int
}

// DataService RTU 采集 + 缓存 + 降级
type DataService struct {
	gateways  repository.GatewayRepository
	devices   repository.DeviceRepository
	readings  repository.ReadingRepository
	collector Collector
	cache     *Cache
	fallback  *FallbackCache
	logger    *zap.Logger
	now       func() time.Time

	limit    ControlLimit
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewDataService limit 为零值时不限流
func NewDataService(repos repository.Set, collector Collector, cache *Cache, fallback *FallbackCache, limit ControlLimit, logger *zap.Logger) *DataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataService{
		gateways:  repos.Gateways,
		devices:   repos.Devices,
		readings:  repos.Readings,
		collector: collector,
		cache:     cache,
		fallback:  fallback,
		logger:    logger,
		now:       time.Now,
		limit:     limit,
		limiters:  map[int64]*rate.Limiter{},
	}
}

// WithClock 替换时钟（测试用）
func (s *DataService) WithClock(now func() time.Time) *DataService {
	s.now = now
	return s
}

func requireRTU(op string, gw *domain.Gateway) error {
	if !gw.IsRTU() {
		return failure.Newf(failure.KindValidation, op, "gateway %d is not configured as RTU device", gw.ID)
	}
	return nil
}

func (s *DataService) persist(ctx context.Context, gw *domain.Gateway, t domain.GatewayTelemetry) {
	t.Apply(gw)
	if err := s.gateways.UpdateGatewayTelemetry(ctx, gw.ID, t); err != nil {
		s.logger.Warn("Failed to persist RTU telemetry", zap.Int64("gateway_id", gw.ID), zap.Error(err))
	}
}

func (s *DataService) remember(ctx context.Context, gw *domain.Gateway, dataType, key string, ttl time.Duration, v any) {
	s.cache.Set(ctx, key, v, ttl)
	if err := s.fallback.CacheSuccessful(ctx, gw.ID, dataType, v); err != nil {
		s.logger.Warn("Failed to store fallback data", zap.Int64("gateway_id", gw.ID), zap.String("data_type", dataType), zap.Error(err))
	}
}

func online() *string {
	s := domain.CommOnline
	return &s
}

// SystemHealth 系统运行状态
func (s *DataService) SystemHealth(ctx context.Context, gw domain.Gateway) (Payload[SystemHealth], error) {
	if err := requireRTU("rtu.SystemHealth", &gw); err != nil {
		return Payload[SystemHealth]{}, err
	}
	key := SystemHealthKey(gw.ID)
	var cached SystemHealth
	if s.cache.Get(ctx, key, &cached) {
		return Payload[SystemHealth]{Status: "success", Data: cached, FromCache: true}, nil
	}

	sample, err := s.collector.SystemInfo(ctx, &gw)
	if err != nil {
		return HandleDataCollectionError(ctx, s.fallback, &gw, DataSystemHealth, err, systemHealthFromRow), nil
	}
	s.persist(ctx, &gw, domain.GatewayTelemetry{
		CPULoad:             sample.CPULoad,
		MemoryUsage:         sample.MemoryUsage,
		UptimeHours:         sample.UptimeHours,
		CommunicationStatus: online(),
		LastSystemUpdate:    s.now(),
	})
	data := systemHealthOf(&gw)
	s.remember(ctx, &gw, DataSystemHealth, key, DefaultTTL, data)
	return Payload[SystemHealth]{Status: "success", Data: data}, nil
}

func systemHealthOf(gw *domain.Gateway) SystemHealth {
	return SystemHealth{
		UptimeHours: gw.UptimeHours,
		CPULoad:     gw.CPULoad,
		MemoryUsage: gw.MemoryUsage,
		HealthScore: gw.SystemHealthScore(),
		Status:      DetermineSystemStatus(SystemSample{CPULoad: gw.CPULoad, MemoryUsage: gw.MemoryUsage, UptimeHours: gw.UptimeHours}),
		LastUpdated: gw.LastSystemUpdate,
	}
}

func systemHealthFromRow(gw *domain.Gateway) (SystemHealth, bool) {
	if gw.LastSystemUpdate == nil {
		return SystemHealth{}, false
	}
	return systemHealthOf(gw), true
}

// NetworkStatus 网络与 SIM 状态
func (s *DataService) NetworkStatus(ctx context.Context, gw domain.Gateway) (Payload[NetworkStatus], error) {
	if err := requireRTU("rtu.NetworkStatus", &gw); err != nil {
		return Payload[NetworkStatus]{}, err
	}
	key := NetworkStatusKey(gw.ID)
	var cached NetworkStatus
	if s.cache.Get(ctx, key, &cached) {
		return Payload[NetworkStatus]{Status: "success", Data: cached, FromCache: true}, nil
	}

	sample, err := s.collector.NetworkInfo(ctx, &gw)
	if err != nil {
		return HandleDataCollectionError(ctx, s.fallback, &gw, DataNetworkStatus, err, networkStatusFromRow), nil
	}
	status := sample.ConnectionStatus
	if status == nil {
		status = online()
	}
	s.persist(ctx, &gw, domain.GatewayTelemetry{
		WANIP:               sample.WANIP,
		SIMICCID:            sample.SIMICCID,
		SIMAPN:              sample.SIMAPN,
		SIMOperator:         sample.SIMOperator,
		RSSI:                sample.RSSI,
		RSRP:                sample.RSRP,
		RSRQ:                sample.RSRQ,
		SINR:                sample.SINR,
		CommunicationStatus: status,
		LastSystemUpdate:    s.now(),
	})
	data := networkStatusOf(&gw)
	s.remember(ctx, &gw, DataNetworkStatus, key, DefaultTTL, data)
	return Payload[NetworkStatus]{Status: "success", Data: data}, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func networkStatusOf(gw *domain.Gateway) NetworkStatus {
	status := gw.CommunicationStatus
	if status == "" {
		status = domain.CommUnknown
	}
	return NetworkStatus{
		WANIP:       deref(gw.WANIP),
		SIMICCID:    deref(gw.SIMICCID),
		SIMAPN:      deref(gw.SIMAPN),
		SIMOperator: deref(gw.SIMOperator),
		SignalQuality: SignalQuality{
			RSSI:   gw.RSSI,
			RSRP:   gw.RSRP,
			RSRQ:   gw.RSRQ,
			SINR:   gw.SINR,
			Status: gw.SignalQualityStatus(),
		},
		ConnectionStatus: status,
		LastUpdated:      gw.LastSystemUpdate,
	}
}

func networkStatusFromRow(gw *domain.Gateway) (NetworkStatus, bool) {
	if gw.LastSystemUpdate == nil {
		return NetworkStatus{}, false
	}
	return networkStatusOf(gw), true
}

// IOStatus 数字输入输出与模拟量
func (s *DataService) IOStatus(ctx context.Context, gw domain.Gateway) (Payload[IOStatus], error) {
	if err := requireRTU("rtu.IOStatus", &gw); err != nil {
		return Payload[IOStatus]{}, err
	}
	key := IOStatusKey(gw.ID)
	var cached IOStatus
	if s.cache.Get(ctx, key, &cached) {
		return Payload[IOStatus]{Status: "success", Data: cached, FromCache: true}, nil
	}

	sample, err := s.collector.IOInfo(ctx, &gw)
	if err != nil {
		return HandleDataCollectionError(ctx, s.fallback, &gw, DataIOStatus, err, ioStatusFromRow), nil
	}
	s.persist(ctx, &gw, domain.GatewayTelemetry{
		DI1Status:          sample.DI1,
		DI2Status:          sample.DI2,
		DO1Status:          sample.DO1,
		DO2Status:          sample.DO2,
		AnalogInputVoltage: sample.AnalogVoltage,
		LastSystemUpdate:   s.now(),
	})
	data := ioStatusOf(&gw)
	s.remember(ctx, &gw, DataIOStatus, key, ShortTTL, data)
	return Payload[IOStatus]{Status: "success", Data: data}, nil
}

func flag(p *bool) bool {
	return p != nil && *p
}

func ioStatusOf(gw *domain.Gateway) IOStatus {
	voltage := 0.0
	if gw.AnalogInputVoltage != nil {
		voltage = *gw.AnalogInputVoltage
	}
	return IOStatus{
		DigitalInputs: map[string]IOPoint{
			"di1": {Status: flag(gw.DI1Status), Label: "Digital Input 1"},
			"di2": {Status: flag(gw.DI2Status), Label: "Digital Input 2"},
		},
		DigitalOutputs: map[string]IOPoint{
			OutputDO1: {Status: flag(gw.DO1Status), Label: "Digital Output 1", Controllable: true},
			OutputDO2: {Status: flag(gw.DO2Status), Label: "Digital Output 2", Controllable: true},
		},
		AnalogInput: AnalogInput{Voltage: voltage, Unit: "V", Range: "0-10V", Precision: 2},
		LastUpdated: gw.LastSystemUpdate,
	}
}

func ioStatusFromRow(gw *domain.Gateway) (IOStatus, bool) {
	if gw.LastSystemUpdate == nil {
		return IOStatus{}, false
	}
	return ioStatusOf(gw), true
}

func (s *DataService) limiter(gatewayID int64) *rate.Limiter {
	if s.limit.Every <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[gatewayID]
	if !ok {
		burst := s.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Every(s.limit.Every), burst)
		s.limiters[gatewayID] = l
	}
	return l
}

// SetDigitalOutput 下发 do1/do2 输出控制；失败时返回 ControlFailure 说明
func (s *DataService) SetDigitalOutput(ctx context.Context, gw domain.Gateway, output string, state bool) *ControlResult {
	const op = "rtu.SetDigitalOutput"
	output = strings.ToLower(output)
	if output != OutputDO1 && output != OutputDO2 {
		return s.fallback.HandleControlError(&gw, output, failure.Newf(failure.KindValidation, op, "invalid output %q", output))
	}
	if err := requireRTU(op, &gw); err != nil {
		return s.fallback.HandleControlError(&gw, output, err)
	}
	if l := s.limiter(gw.ID); l != nil && !l.Allow() {
		return s.fallback.HandleControlError(&gw, output,
			failure.Newf(failure.KindValidation, op, "too many control commands for gateway %d", gw.ID))
	}

	if err := s.collector.SetOutput(ctx, &gw, output, state); err != nil {
		return s.fallback.HandleControlError(&gw, output, err)
	}

	t := domain.GatewayTelemetry{LastSystemUpdate: s.now()}
	if output == OutputDO1 {
		t.DO1Status = &state
	} else {
		t.DO2Status = &state
	}
	s.persist(ctx, &gw, t)

	dataType := DataIOStatus
	if err := s.fallback.ClearFallbackCache(ctx, gw.ID, &dataType); err != nil {
		s.logger.Warn("Failed to clear io fallback", zap.Int64("gateway_id", gw.ID), zap.Error(err))
	}
	if s.cache != nil && s.cache.kv != nil {
		if err := s.cache.kv.Delete(ctx, IOStatusKey(gw.ID)); err != nil {
			s.logger.Warn("Failed to evict io status cache", zap.Int64("gateway_id", gw.ID), zap.Error(err))
		}
	}

	word := "OFF"
	if state {
		word = "ON"
	}
	return &ControlResult{
		Success:  true,
		Message:  fmt.Sprintf("Digital output %s set to %s", strings.ToUpper(output), word),
		NewState: &state,
	}
}

// metricOf 读数参数名映射到趋势指标；不相关的参数返回空串
func metricOf(parameter string) string {
	p := strings.ToLower(parameter)
	switch {
	case strings.Contains(p, "signal") || strings.Contains(p, "rssi"):
		return MetricSignalStrength
	case strings.Contains(p, "cpu"):
		return MetricCPULoad
	case strings.Contains(p, "memory"):
		return MetricMemoryUsage
	case strings.Contains(p, "analog"):
		return MetricAnalogInput
	default:
		return ""
	}
}

func metricUnit(metric string) string {
	switch metric {
	case MetricSignalStrength:
		return "dBm"
	case MetricCPULoad, MetricMemoryUsage:
		return "%"
	case MetricAnalogInput:
		return "V"
	default:
		return ""
	}
}

// TrendData 网关设备读数中的 RTU 指标序列，按时间升序
func (s *DataService) TrendData(ctx context.Context, gw domain.Gateway, timeRange string) (*TrendData, error) {
	window, ok := trendRanges[timeRange]
	if !ok {
		timeRange = DefaultTrendRange
		window = trendRanges[timeRange]
	}
	key := TrendsKey(gw.ID, timeRange, nil)
	var cached TrendData
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	end := s.now()
	start := end.Add(-window)
	out := &TrendData{
		TimeRange:        timeRange,
		StartTime:        start,
		EndTime:          end,
		Metrics:          map[string][]MetricPoint{},
		AvailableMetrics: []string{},
	}

	devices, err := s.devices.ListDevicesByGateways(ctx, []int64{gw.ID})
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		readings, err := s.readings.ListReadings(ctx, repository.ReadingFilter{
			DeviceIDs: domain.DeviceIDs(devices),
			Since:     start,
			Until:     end,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range readings {
			m := metricOf(r.ParameterName)
			if m == "" {
				continue
			}
			unit := r.Unit
			if unit == "" {
				unit = metricUnit(m)
			}
			out.Metrics[m] = append(out.Metrics[m], MetricPoint{Timestamp: r.Timestamp, Value: r.Value, Unit: unit})
		}
	}
	for _, m := range TrendMetrics {
		if pts, ok := out.Metrics[m]; ok {
			sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
			out.AvailableMetrics = append(out.AvailableMetrics, m)
		}
	}
	out.HasData = len(out.AvailableMetrics) > 0
	if !out.HasData {
		out.Message = fmt.Sprintf("No trend data available for the last %s", timeRange)
	}
	s.cache.Set(ctx, key, out, TrendTTL(timeRange))
	return out, nil
}

// Status 网关状态汇总（系统、网络、IO、告警）
type Status struct {
	Gateway       domain.Gateway         `json:"gateway"`
	SystemHealth  Payload[SystemHealth]  `json:"system_health"`
	NetworkStatus Payload[NetworkStatus] `json:"network_status"`
	IOStatus      Payload[IOStatus]      `json:"io_status"`
	Alerts        *GroupedAlerts         `json:"alerts"`
}

// GatewayStatus 依次采集三类数据并附加分组告警；告警只覆盖 allowed 内的设备
func (s *DataService) GatewayStatus(ctx context.Context, gw domain.Gateway, alerts *AlertService, allowed []int64) (*Status, error) {
	sys, err := s.SystemHealth(ctx, gw)
	if err != nil {
		return nil, err
	}
	net, err := s.NetworkStatus(ctx, gw)
	if err != nil {
		return nil, err
	}
	io, err := s.IOStatus(ctx, gw)
	if err != nil {
		return nil, err
	}
	grouped, err := alerts.GroupedAlerts(ctx, &gw, allowed)
	if err != nil {
		return nil, err
	}
	return &Status{Gateway: gw, SystemHealth: sys, NetworkStatus: net, IOStatus: io, Alerts: grouped}, nil
}
