package global

import (
	"context"
	"sort"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"
)

type EnergyConsumption struct {
	CurrentKW  float64 `json:"current_kw"`
	TotalKWh   float64 `json:"total_kwh"`
	DailyKWh   float64 `json:"daily_kwh"`
	MonthlyKWh float64 `json:"monthly_kwh"`
}

type DeviceCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Offline  int `json:"offline"`
}

type AlertCounts struct {
	Critical        int `json:"critical"`
	Warning         int `json:"warning"`
	Info            int `json:"info"`
	TotalUnresolved int `json:"total_unresolved"`
}

type HealthFactor struct {
	Score       float64 `json:"score"`
	Weight      int     `json:"weight"`
	Description string  `json:"description"`
}

type HealthScore struct {
	Score   float64                 `json:"score"`
	Status  string                  `json:"status"`
	Factors map[string]HealthFactor `json:"factors"`
}

type GatewayConsumption struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	ConsumptionKW float64 `json:"consumption_kw"`
	DeviceCount   int     `json:"device_count"`
}

type EnergyTrendPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Consumption float64   `json:"consumption"`
	Samples     int       `json:"samples"`
}

type GatewaySummary struct {
	TotalGateways  int `json:"total_gateways"`
	OnlineGateways int `json:"online_gateways"`
	TotalDevices   int `json:"total_devices"`
}

// SystemOverviewData system-overview 数据
type SystemOverviewData struct {
	TotalEnergyConsumption EnergyConsumption    `json:"total_energy_consumption"`
	ActiveDevicesCount     DeviceCounts         `json:"active_devices_count"`
	CriticalAlertsCount    AlertCounts          `json:"critical_alerts_count"`
	SystemHealthScore      HealthScore          `json:"system_health_score"`
	TopConsumingGateways   []GatewayConsumption `json:"top_consuming_gateways"`
	EnergyTrend            []EnergyTrendPoint   `json:"energy_trend"`
	GatewaySummary         GatewaySummary       `json:"gateway_summary"`
}

// SystemOverview 系统总览
type SystemOverview struct {
	Deps
}

func NewSystemOverview(deps Deps) *SystemOverview { return &SystemOverview{Deps: deps} }

func (w *SystemOverview) Meta() widget.Meta {
	return widget.Meta{
		Type:             domain.WidgetSystemOverview,
		Name:             "System Overview",
		Description:      "Overall system statistics and energy consumption summary",
		Category:         "overview",
		Priority:         10,
		SupportsRealtime: true,
		RealtimeInterval: 60,
	}
}

func (w *SystemOverview) Authorize(ctx context.Context, user *domain.User, cfg widget.Config) (bool, error) {
	return w.authorize(ctx, user, domain.WidgetSystemOverview, cfg)
}

func (w *SystemOverview) Fallback() SystemOverviewData {
	return SystemOverviewData{
		SystemHealthScore:    HealthScore{Status: "unknown", Factors: map[string]HealthFactor{}},
		TopConsumingGateways: []GatewayConsumption{},
		EnergyTrend:          []EnergyTrendPoint{},
	}
}

func (w *SystemOverview) Data(ctx context.Context, req widget.Request) (SystemOverviewData, error) {
	out := w.Fallback()
	s, err := w.loadScope(ctx, req.User)
	if err != nil {
		return out, err
	}
	now := req.Now

	out.GatewaySummary.TotalGateways = len(s.gateways)
	out.GatewaySummary.TotalDevices = len(s.devices)
	if len(s.devices) == 0 {
		out.ActiveDevicesCount = DeviceCounts{}
		return out, nil
	}

	// 功率读数一次取回：覆盖本月与最近 24 小时
	from := startOfMonth(now)
	if dayAgo := now.Add(-24 * time.Hour); dayAgo.Before(from) {
		from = dayAgo
	}
	power, err := w.Repos.Readings.ListReadings(ctx, repository.ReadingFilter{
		DeviceIDs:     s.deviceIDs,
		Since:         from,
		Until:         now,
		ParameterLike: "power",
	})
	if err != nil {
		return out, err
	}

	energy, err := w.totalEnergy(ctx, s.deviceIDs)
	if err != nil {
		return out, err
	}
	out.TotalEnergyConsumption = consumption(power, energy, now)

	latest, err := w.Repos.Readings.LatestReadingTimes(ctx, s.deviceIDs)
	if err != nil {
		return out, err
	}
	out.ActiveDevicesCount = deviceCounts(len(s.devices), latest, now)

	alerts, err := w.Repos.Alerts.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: s.deviceIDs, Resolved: repository.BoolPtr(false)})
	if err != nil {
		return out, err
	}
	crit, warn, info := countSeverities(alerts)
	out.CriticalAlertsCount = AlertCounts{Critical: crit, Warning: warn, Info: info, TotalUnresolved: len(alerts)}

	recent, err := w.Repos.Readings.ListReadings(ctx, repository.ReadingFilter{DeviceIDs: s.deviceIDs, Since: now.Add(-15 * time.Minute), Until: now})
	if err != nil {
		return out, err
	}
	perGateway := map[int64]int{}
	online := map[int64]bool{}
	tenAgo := now.Add(-10 * time.Minute)
	for _, r := range recent {
		gid := s.gatewayOf(r.DeviceID)
		perGateway[gid]++
		if !r.Timestamp.Before(tenAgo) {
			online[gid] = true
		}
	}
	for _, g := range s.gateways {
		if online[g.ID] {
			out.GatewaySummary.OnlineGateways++
		}
	}

	out.SystemHealthScore = overviewHealth(s, out.ActiveDevicesCount, out.CriticalAlertsCount, perGateway)
	out.TopConsumingGateways = topGateways(s, since(power, now.Add(-time.Hour)), 5)
	out.EnergyTrend = hourlyTrend(since(power, now.Add(-24*time.Hour)), now)
	return out, nil
}

// totalEnergy 各设备最新 energy 读数之和
func (w *SystemOverview) totalEnergy(ctx context.Context, deviceIDs []int64) (float64, error) {
	latest, err := w.Repos.Readings.LatestReadings(ctx, deviceIDs, "energy")
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, r := range latest {
		total += r.Value
	}
	return total, nil
}

func consumption(power []domain.Reading, totalEnergy float64, now time.Time) EnergyConsumption {
	current := 0.0
	for _, r := range latestPerDevice(since(power, now.Add(-5*time.Minute))) {
		current += r.Value
	}
	return EnergyConsumption{
		CurrentKW:  widget.Round(current, 2),
		TotalKWh:   widget.Round(totalEnergy, 2),
		DailyKWh:   widget.Round(widget.Mean(values(since(power, startOfDay(now))))*24, 2),
		MonthlyKWh: widget.Round(widget.Mean(values(since(power, startOfMonth(now))))*24*30, 2),
	}
}

// deviceCounts active=10 分钟内有读数；inactive=1 小时内但不在 10 分钟内
func deviceCounts(total int, latest map[int64]time.Time, now time.Time) DeviceCounts {
	c := DeviceCounts{Total: total}
	for _, ts := range latest {
		age := now.Sub(ts)
		switch {
		case age <= 10*time.Minute:
			c.Active++
		case age <= time.Hour:
			c.Inactive++
		}
	}
	c.Offline = total - c.Active - c.Inactive
	if c.Offline < 0 {
		c.Offline = 0
	}
	return c
}

func overviewHealth(s *scope, devices DeviceCounts, alerts AlertCounts, readings15m map[int64]int) HealthScore {
	if len(s.gateways) == 0 || len(s.devices) == 0 {
		return HealthScore{Status: "unknown", Factors: map[string]HealthFactor{}}
	}

	connectivity := widget.Percent(float64(devices.Active), float64(devices.Total))

	alertScore := 100.0
	alertScore -= minF(50, float64(alerts.Critical*10))
	alertScore -= minF(30, float64(alerts.Warning*5))
	if alertScore < 0 {
		alertScore = 0
	}

	gwTotal := 0.0
	for _, g := range s.gateways {
		gwTotal += communicationScore(readings15m[g.ID])
	}
	gatewayScore := gwTotal / float64(len(s.gateways))

	score := widget.Round(connectivity*0.4+alertScore*0.3+gatewayScore*0.3, 1)
	return HealthScore{
		Score:  score,
		Status: overviewHealthStatus(score),
		Factors: map[string]HealthFactor{
			"device_connectivity":   {Score: widget.Round(connectivity, 1), Weight: 40, Description: "Percentage of devices actively reporting"},
			"alert_status":          {Score: alertScore, Weight: 30, Description: "System alert status impact"},
			"gateway_communication": {Score: widget.Round(gatewayScore, 1), Weight: 30, Description: "Gateway communication reliability"},
		},
	}
}

// communicationScore 15 分钟内读数：无 → 0，少于 5 条 → 50，否则 100
func communicationScore(n int) float64 {
	switch {
	case n == 0:
		return 0
	case n < 5:
		return 50
	default:
		return 100
	}
}

func overviewHealthStatus(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "good"
	case score >= 60:
		return "fair"
	case score >= 40:
		return "poor"
	default:
		return "critical"
	}
}

func topGateways(s *scope, lastHour []domain.Reading, limit int) []GatewayConsumption {
	byGateway := map[int64][]float64{}
	for _, r := range lastHour {
		gid := s.gatewayOf(r.DeviceID)
		byGateway[gid] = append(byGateway[gid], r.Value)
	}
	out := make([]GatewayConsumption, 0, len(s.gateways))
	for _, g := range s.gateways {
		out = append(out, GatewayConsumption{
			ID:            g.ID,
			Name:          g.Name,
			ConsumptionKW: widget.Round(widget.Mean(byGateway[g.ID]), 2),
			DeviceCount:   len(s.byGateway[g.ID]),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ConsumptionKW > out[j].ConsumptionKW })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// hourlyTrend 最近 24 个整点桶的平均功率（最早在前）
func hourlyTrend(readings []domain.Reading, now time.Time) []EnergyTrendPoint {
	current := now.Truncate(time.Hour)
	first := current.Add(-23 * time.Hour)
	buckets := make([][]float64, 24)
	for _, r := range readings {
		idx := int(r.Timestamp.Truncate(time.Hour).Sub(first) / time.Hour)
		if idx < 0 || idx >= 24 {
			continue
		}
		buckets[idx] = append(buckets[idx], r.Value)
	}
	out := make([]EnergyTrendPoint, 24)
	for i := range buckets {
		out[i] = EnergyTrendPoint{
			Timestamp:   first.Add(time.Duration(i) * time.Hour),
			Consumption: widget.Round(widget.Mean(buckets[i]), 2),
			Samples:     len(buckets[i]),
		}
	}
	return out
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
