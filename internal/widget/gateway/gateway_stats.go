package gateway

import (
	"context"
	"math"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"
)

const (
	expectedReadingsPerHour = 12
	bytesPerReading         = 100
	linkCapacityKbps        = 10.0
)

type GatewayInfo struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	FixedIP      string     `json:"fixed_ip,omitempty"`
	SIMNumber    string     `json:"sim_number,omitempty"`
	GNSSLocation string     `json:"gnss_location,omitempty"`
	GatewayType  string     `json:"gateway_type,omitempty"`
	Status       string     `json:"status"`
	LastSeen     *time.Time `json:"last_seen"`
	Uptime       float64    `json:"uptime"`
	DeviceCount  int        `json:"device_count"`
}

type CommunicationError struct {
	DeviceID    int64      `json:"device_id"`
	DeviceName  string     `json:"device_name"`
	Type        string     `json:"type"`
	Message     string     `json:"message"`
	LastReading *time.Time `json:"last_reading,omitempty"`
}

type CommunicationStatus struct {
	OverallStatus      string               `json:"overall_status"`
	ConnectionQuality  float64              `json:"connection_quality"`
	FrequencyScore     float64              `json:"frequency_score"`
	DistributionScore  float64              `json:"distribution_score"`
	SuccessRate        float64              `json:"success_rate"`
	SuccessfulReadings int                  `json:"successful_readings"`
	ExpectedReadings   int                  `json:"expected_readings"`
	LastSuccessfulPoll *time.Time           `json:"last_successful_poll"`
	Errors             []CommunicationError `json:"communication_errors"`
}

type DeviceHealthDetail struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	HealthScore float64    `json:"health_score"`
	Status      string     `json:"status"`
	LastReading *time.Time `json:"last_reading"`
	AlertCount  int        `json:"alert_count"`
}

type DeviceHealthIndicators struct {
	TotalDevices       int                  `json:"total_devices"`
	AverageHealthScore float64              `json:"average_health_score"`
	HealthDistribution map[string]int       `json:"health_distribution"`
	DeviceDetails      []DeviceHealthDetail `json:"device_details"`
}

type PerformanceMetrics struct {
	ReadingsLastHour       int     `json:"readings_last_hour"`
	ReadingsPerDevice      float64 `json:"readings_per_device"`
	BandwidthUtilization   float64 `json:"bandwidth_utilization"`
	PeakReadingRate        int     `json:"peak_reading_rate"`
	AverageReadingInterval float64 `json:"average_reading_interval"` // 秒
}

type OperationalStatistics struct {
	ReadingsToday int `json:"readings_today"`
	AlertsToday   int `json:"alerts_today"`
	ActiveAlerts  int `json:"active_alerts"`
}

type DailyTrend struct {
	Date         string  `json:"date"`
	ReadingCount int     `json:"reading_count"`
	Availability float64 `json:"availability"`
	AlertCount   int     `json:"alert_count"`
}

type TrendDirection struct {
	Direction     string  `json:"direction"`
	ChangePercent float64 `json:"change_percent"`
}

type HistoricalTrends struct {
	DailyTrends   []DailyTrend              `json:"daily_trends"`
	TrendAnalysis map[string]TrendDirection `json:"trend_analysis"`
}

// GatewayStatsData gateway-stats 数据
type GatewayStatsData struct {
	GatewayInfo           GatewayInfo            `json:"gateway_info"`
	CommunicationStatus   CommunicationStatus    `json:"communication_status"`
	DeviceHealth          DeviceHealthIndicators `json:"device_health_indicators"`
	PerformanceMetrics    PerformanceMetrics     `json:"performance_metrics"`
	OperationalStatistics OperationalStatistics  `json:"operational_statistics"`
	HistoricalTrends      HistoricalTrends       `json:"historical_trends"`
}

// Stats 网关统计
type Stats struct {
	Deps
}

func NewStats(deps Deps) *Stats { return &Stats{Deps: deps} }

func (w *Stats) Meta() widget.Meta {
	return meta(domain.WidgetGatewayStats, "Gateway Statistics",
		"Communication, device health and performance statistics for one gateway", "monitoring", 5, 60)
}

func (w *Stats) Authorize(ctx context.Context, user *domain.User, cfg widget.Config) (bool, error) {
	return w.authorize(ctx, user, domain.WidgetGatewayStats, cfg)
}

func (w *Stats) Fallback() GatewayStatsData {
	return GatewayStatsData{
		GatewayInfo:         GatewayInfo{Status: "unknown"},
		CommunicationStatus: CommunicationStatus{OverallStatus: "unknown", Errors: []CommunicationError{}},
		DeviceHealth: DeviceHealthIndicators{
			HealthDistribution: emptyHealthDistribution(),
			DeviceDetails:      []DeviceHealthDetail{},
		},
		HistoricalTrends: HistoricalTrends{DailyTrends: []DailyTrend{}, TrendAnalysis: map[string]TrendDirection{}},
	}
}

func emptyHealthDistribution() map[string]int {
	return map[string]int{"healthy": 0, "warning": 0, "critical": 0, "offline": 0}
}

func (w *Stats) Data(ctx context.Context, req widget.Request) (GatewayStatsData, error) {
	out := w.Fallback()
	s, err := w.loadScope(ctx, req.User, req.Config)
	if err != nil {
		return out, err
	}
	now := req.Now
	gw := s.gateway
	out.GatewayInfo = GatewayInfo{
		ID:           gw.ID,
		Name:         gw.Name,
		FixedIP:      gw.FixedIP,
		SIMNumber:    gw.SIMNumber,
		GNSSLocation: gw.GNSSLocation,
		GatewayType:  gw.GatewayType,
		Status:       "offline",
		DeviceCount:  len(s.devices),
	}
	if len(s.devices) == 0 {
		return out, nil
	}

	latest, err := w.Repos.Readings.LatestReadingTimes(ctx, s.deviceIDs)
	if err != nil {
		return out, err
	}
	weekStart := startOfDay(now).AddDate(0, 0, -6)
	readings, err := w.Repos.Readings.ListReadings(ctx, repository.ReadingFilter{DeviceIDs: s.deviceIDs, Since: weekStart, Until: now})
	if err != nil {
		return out, err
	}
	active, err := w.Repos.Alerts.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: s.deviceIDs, Resolved: repository.BoolPtr(false)})
	if err != nil {
		return out, err
	}
	weekAlerts, err := w.Repos.Alerts.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: s.deviceIDs, Since: weekStart})
	if err != nil {
		return out, err
	}

	last := lastTime(latest)
	out.GatewayInfo.LastSeen = last
	out.GatewayInfo.Status = GatewayStatus(last, now)
	out.GatewayInfo.Uptime = widget.Round(Uptime(readingsSince(readings, now.Add(-24*time.Hour)), now), 1)

	lastHour := readingsSince(readings, now.Add(-time.Hour))
	out.CommunicationStatus = communication(s, lastHour, latest, now)
	out.DeviceHealth = deviceHealth(s, latest, active, now)
	out.PerformanceMetrics = performance(len(s.devices), readings, lastHour, now)

	today := startOfDay(now)
	out.OperationalStatistics = OperationalStatistics{
		ReadingsToday: len(readingsSince(readings, today)),
		ActiveAlerts:  len(active),
	}
	for _, a := range weekAlerts {
		if !a.Timestamp.Before(today) {
			out.OperationalStatistics.AlertsToday++
		}
	}
	out.HistoricalTrends = historicalTrends(len(s.devices), readings, weekAlerts, weekStart)
	return out, nil
}

// GatewayStatus 最近一次设备读数：5 分钟内 online，15 分钟内 warning
func GatewayStatus(last *time.Time, now time.Time) string {
	if last == nil {
		return "offline"
	}
	switch age := minutesSince(now, *last); {
	case age <= 5:
		return "online"
	case age <= 15:
		return "warning"
	default:
		return "offline"
	}
}

func readingsSince(readings []domain.Reading, t time.Time) []domain.Reading {
	out := []domain.Reading{}
	for _, r := range readings {
		if !r.Timestamp.Before(t) {
			out = append(out, r)
		}
	}
	return out
}

// Uptime 24 小时在线率：相邻读数间隔超过 10 分钟的部分计为停机；readings 须按时间升序
func Uptime(readings []domain.Reading, now time.Time) float64 {
	if len(readings) < 2 {
		return 0
	}
	const total = 24 * 60.0
	down := 0.0
	for i := 1; i < len(readings); i++ {
		gap := readings[i].Timestamp.Sub(readings[i-1].Timestamp).Minutes()
		if gap > 10 {
			down += gap
		}
	}
	return math.Max(0, (total-down)/total*100)
}

func communication(s *scope, lastHour []domain.Reading, latest map[int64]time.Time, now time.Time) CommunicationStatus {
	expected := len(s.devices) * expectedReadingsPerHour
	actual := len(lastHour)

	var lastPoll *time.Time
	for i := range lastHour {
		if lastPoll == nil || lastHour[i].Timestamp.After(*lastPoll) {
			ts := lastHour[i].Timestamp
			lastPoll = &ts
		}
	}

	reporting := 0
	errs := []CommunicationError{}
	for _, d := range s.devices {
		ts, ok := latest[d.ID]
		switch {
		case !ok:
			errs = append(errs, CommunicationError{DeviceID: d.ID, DeviceName: d.Name, Type: "no_data", Message: "Device has never reported data"})
		case minutesSince(now, ts) > 30:
			t := ts
			errs = append(errs, CommunicationError{DeviceID: d.ID, DeviceName: d.Name, Type: "stale_data", Message: "No data received for over 30 minutes", LastReading: &t})
		}
		if ok && minutesSince(now, ts) <= 10 {
			reporting++
		}
	}

	success := widget.Percent(float64(actual), float64(expected))
	frequency := math.Min(100, success)
	distribution := widget.Percent(float64(reporting), float64(len(s.devices)))
	quality := ConnectionQuality(frequency, distribution)

	return CommunicationStatus{
		OverallStatus:      OverallCommunicationStatus(success, quality, lastPoll, now),
		ConnectionQuality:  widget.Round(quality, 1),
		FrequencyScore:     widget.Round(frequency, 1),
		DistributionScore:  widget.Round(distribution, 1),
		SuccessRate:        widget.Round(success, 1),
		SuccessfulReadings: actual,
		ExpectedReadings:   expected,
		LastSuccessfulPoll: lastPoll,
		Errors:             errs,
	}
}

// ConnectionQuality 0.6×频率 + 0.4×分布
func ConnectionQuality(frequency, distribution float64) float64 {
	return frequency*0.6 + distribution*0.4
}

// OverallCommunicationStatus 最近轮询超过 15 分钟视为 offline
func OverallCommunicationStatus(success, quality float64, lastPoll *time.Time, now time.Time) string {
	if lastPoll == nil || minutesSince(now, *lastPoll) > 15 {
		return "offline"
	}
	switch {
	case success >= 90 && quality >= 80:
		return "excellent"
	case success >= 75 && quality >= 60:
		return "good"
	case success >= 50 && quality >= 40:
		return "fair"
	default:
		return "poor"
	}
}

// DeviceHealthScore 从 100 起按数据陈旧度与未解决告警扣分；从未上报记 0
func DeviceHealthScore(last *time.Time, alerts []domain.Alert, now time.Time) float64 {
	if last == nil {
		return 0
	}
	score := 100.0
	switch age := minutesSince(now, *last); {
	case age > 60:
		score -= 50
	case age > 30:
		score -= 25
	case age > 10:
		score -= 10
	}
	for _, a := range alerts {
		switch a.Severity {
		case domain.SeverityCritical:
			score -= 20
		case domain.SeverityWarning:
			score -= 10
		case domain.SeverityInfo:
			score -= 5
		}
	}
	return math.Max(0, score)
}

func DeviceHealthStatus(score float64) string {
	switch {
	case score >= 90:
		return "healthy"
	case score >= 70:
		return "warning"
	case score >= 30:
		return "critical"
	default:
		return "offline"
	}
}

func deviceHealth(s *scope, latest map[int64]time.Time, active []domain.Alert, now time.Time) DeviceHealthIndicators {
	byDevice := map[int64][]domain.Alert{}
	for _, a := range active {
		byDevice[a.DeviceID] = append(byDevice[a.DeviceID], a)
	}
	out := DeviceHealthIndicators{
		TotalDevices:       len(s.devices),
		HealthDistribution: emptyHealthDistribution(),
		DeviceDetails:      make([]DeviceHealthDetail, 0, len(s.devices)),
	}
	scores := make([]float64, 0, len(s.devices))
	for _, d := range s.devices {
		var last *time.Time
		if ts, ok := latest[d.ID]; ok {
			last = &ts
		}
		score := DeviceHealthScore(last, byDevice[d.ID], now)
		status := DeviceHealthStatus(score)
		scores = append(scores, score)
		out.HealthDistribution[status]++
		out.DeviceDetails = append(out.DeviceDetails, DeviceHealthDetail{
			ID:          d.ID,
			Name:        d.Name,
			HealthScore: score,
			Status:      status,
			LastReading: last,
			AlertCount:  len(byDevice[d.ID]),
		})
	}
	out.AverageHealthScore = widget.Round(widget.Mean(scores), 1)
	return out
}

// BandwidthUtilization 按每条读数 100 字节估算小时带宽占 10 kbps 链路的百分比
func BandwidthUtilization(readingsPerHour int) float64 {
	kbps := float64(readingsPerHour*bytesPerReading) * 8 / 3600 / 1000
	return math.Min(100, kbps/linkCapacityKbps*100)
}

func performance(deviceCount int, week, lastHour []domain.Reading, now time.Time) PerformanceMetrics {
	out := PerformanceMetrics{
		ReadingsLastHour:     len(lastHour),
		BandwidthUtilization: widget.Round(BandwidthUtilization(len(lastHour)), 3),
	}
	if deviceCount > 0 {
		out.ReadingsPerDevice = widget.Round(float64(len(lastHour))/float64(deviceCount), 1)
	}

	hourly := make([]int, 24)
	for _, r := range readingsSince(week, now.Add(-24*time.Hour)) {
		idx := int(now.Sub(r.Timestamp) / time.Hour)
		if idx >= 0 && idx < 24 {
			hourly[idx]++
		}
	}
	for _, n := range hourly {
		if n > out.PeakReadingRate {
			out.PeakReadingRate = n
		}
	}

	if len(lastHour) > 1 {
		span := lastHour[len(lastHour)-1].Timestamp.Sub(lastHour[0].Timestamp).Seconds()
		out.AverageReadingInterval = widget.Round(span/float64(len(lastHour)-1), 1)
	}
	return out
}

func historicalTrends(deviceCount int, week []domain.Reading, alerts []domain.Alert, first time.Time) HistoricalTrends {
	daily := make([]DailyTrend, 7)
	reported := make([]map[int64]struct{}, 7)
	for i := range daily {
		daily[i].Date = first.AddDate(0, 0, i).Format("2006-01-02")
		reported[i] = map[int64]struct{}{}
	}
	for _, r := range week {
		if i := dayIndex(first, r.Timestamp); i >= 0 && i < 7 {
			daily[i].ReadingCount++
			reported[i][r.DeviceID] = struct{}{}
		}
	}
	for _, a := range alerts {
		if i := dayIndex(first, a.Timestamp); i >= 0 && i < 7 {
			daily[i].AlertCount++
		}
	}

	readings := make([]float64, 7)
	availability := make([]float64, 7)
	alertCounts := make([]float64, 7)
	for i := range daily {
		daily[i].Availability = widget.Round(widget.Percent(float64(len(reported[i])), float64(deviceCount)), 1)
		readings[i] = float64(daily[i].ReadingCount)
		availability[i] = daily[i].Availability
		alertCounts[i] = float64(daily[i].AlertCount)
	}
	return HistoricalTrends{
		DailyTrends: daily,
		TrendAnalysis: map[string]TrendDirection{
			"reading_trend":      AnalyzeTrend(readings),
			"availability_trend": AnalyzeTrend(availability),
			"alert_trend":        AnalyzeTrend(alertCounts),
		},
	}
}

func dayIndex(first, t time.Time) int {
	if t.Before(first) {
		return -1
	}
	return int(startOfDay(t.In(first.Location())).Sub(first).Hours() / 24)
}

// AnalyzeTrend 比较首尾各两个点的均值，变化超过 10% 视为 increasing / decreasing
func AnalyzeTrend(series []float64) TrendDirection {
	if len(series) < 2 {
		return TrendDirection{Direction: "stable"}
	}
	head := (series[0] + series[1]) / 2
	tail := (series[len(series)-2] + series[len(series)-1]) / 2
	if head == 0 {
		if tail > 0 {
			return TrendDirection{Direction: "increasing"}
		}
		return TrendDirection{Direction: "stable"}
	}
	change := (tail - head) / head * 100
	dir := "stable"
	switch {
	case change > 10:
		dir = "increasing"
	case change < -10:
		dir = "decreasing"
	}
	return TrendDirection{Direction: dir, ChangePercent: widget.Round(change, 1)}
}
