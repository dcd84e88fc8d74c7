package global

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"
)

// 每小时期望读数（5 分钟一次）
const expectedReadingsPerHour = 12

var healthWeights = map[string]float64{
	"connectivity": 0.25,
	"data_quality": 0.20,
	"alert_status": 0.25,
	"performance":  0.15,
	"availability": 0.15,
}

type OverallHealth struct {
	Score       float64            `json:"score"`
	Status      string             `json:"status"`
	StatusColor string             `json:"status_color"`
	Factors     map[string]float64 `json:"factors"`
	LastUpdated time.Time          `json:"last_updated"`
}

type GatewayHealth struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	HealthScore   float64 `json:"health_score"`
	Status        string  `json:"status"`
	DeviceCount   int     `json:"device_count"`
	ActiveDevices int     `json:"active_devices"`
}

type DeviceTypeHealth struct {
	Type          string  `json:"type"`
	TotalCount    int     `json:"total_count"`
	ActiveCount   int     `json:"active_count"`
	OnlinePercent float64 `json:"online_percent"`
	Status        string  `json:"status"`
}

type ComponentHealth struct {
	Gateways    []GatewayHealth    `json:"gateways"`
	DeviceTypes []DeviceTypeHealth `json:"device_types"`
}

type HealthTrendPoint struct {
	Date        string  `json:"date"`
	HealthScore float64 `json:"health_score"`
	Status      string  `json:"status"`
}

type HealthIssue struct {
	Type        string     `json:"type"`
	Severity    string     `json:"severity"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Device      string     `json:"device,omitempty"`
	Gateway     string     `json:"gateway,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	AgeMinutes  int        `json:"age_minutes"`
}

type HealthRecommendation struct {
	Priority    string `json:"priority"`
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Action      string `json:"action"`
}

// SystemHealthData system-health 数据
type SystemHealthData struct {
	OverallHealth   OverallHealth          `json:"overall_health"`
	ComponentHealth ComponentHealth        `json:"component_health"`
	HealthTrends    []HealthTrendPoint     `json:"health_trends"`
	CriticalIssues  []HealthIssue          `json:"critical_issues"`
	Recommendations []HealthRecommendation `json:"recommendations"`
}

// SystemHealth 系统健康度
type SystemHealth struct {
	Deps
}

func NewSystemHealth(deps Deps) *SystemHealth { return &SystemHealth{Deps: deps} }

func (w *SystemHealth) Meta() widget.Meta {
	return widget.Meta{
		Type:             domain.WidgetSystemHealth,
		Name:             "System Health",
		Description:      "Composite health score across connectivity, data quality, alerts and availability",
		Category:         "monitoring",
		Priority:         15,
		SupportsRealtime: true,
		RealtimeInterval: 120,
	}
}

func (w *SystemHealth) Authorize(ctx context.Context, user *domain.User, cfg widget.Config) (bool, error) {
	return w.authorize(ctx, user, domain.WidgetSystemHealth, cfg)
}

func (w *SystemHealth) Fallback() SystemHealthData {
	return SystemHealthData{
		OverallHealth:   OverallHealth{Status: "unknown", StatusColor: "gray", Factors: map[string]float64{}},
		ComponentHealth: ComponentHealth{Gateways: []GatewayHealth{}, DeviceTypes: []DeviceTypeHealth{}},
		HealthTrends:    []HealthTrendPoint{},
		CriticalIssues:  []HealthIssue{},
		Recommendations: []HealthRecommendation{},
	}
}

func (w *SystemHealth) Data(ctx context.Context, req widget.Request) (SystemHealthData, error) {
	out := w.Fallback()
	now := req.Now
	out.OverallHealth.LastUpdated = now

	s, err := w.loadScope(ctx, req.User)
	if err != nil {
		return out, err
	}
	if len(s.gateways) == 0 && len(s.devices) == 0 {
		return out, nil
	}

	latest, err := w.Repos.Readings.LatestReadingTimes(ctx, s.deviceIDs)
	if err != nil {
		return out, err
	}
	week, err := w.Repos.Readings.ListReadings(ctx, repository.ReadingFilter{
		DeviceIDs: s.deviceIDs,
		Since:     startOfDay(now).AddDate(0, 0, -6),
		Until:     now,
	})
	if err != nil {
		return out, err
	}
	alerts, err := w.Repos.Alerts.ListAlerts(ctx, repository.AlertFilter{
		DeviceIDs: s.deviceIDs,
		Since:     startOfDay(now).AddDate(0, 0, -6),
	})
	if err != nil {
		return out, err
	}
	unresolved, err := w.Repos.Alerts.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: s.deviceIDs, Resolved: repository.BoolPtr(false)})
	if err != nil {
		return out, err
	}

	lastHour := map[int64]int{}
	for _, r := range since(week, now.Add(-time.Hour)) {
		lastHour[r.DeviceID]++
	}

	factors := map[string]float64{
		"connectivity": connectivityScore(s.devices, latest, now),
		"data_quality": dataQualityScore(s.devices, lastHour),
		"alert_status": alertStatusScore(unresolved),
		"performance":  performanceScore(s.gateways),
		"availability": availabilityScore(s, latest, now),
	}
	total := 0.0
	for name, score := range factors {
		factors[name] = widget.Round(score, 1)
		total += score * healthWeights[name]
	}
	score := widget.Round(total, 1)
	out.OverallHealth = OverallHealth{
		Score:       score,
		Status:      HealthStatus(score),
		StatusColor: HealthColor(score),
		Factors:     factors,
		LastUpdated: now,
	}

	out.ComponentHealth = componentHealth(s, latest, now)
	out.HealthTrends = healthTrends(s, week, alerts, now)
	out.CriticalIssues = criticalIssues(s, unresolved, latest, now)
	out.Recommendations = recommendations(factors, unresolved, s.devices, latest, now)
	return out, nil
}

// HealthStatus 健康等级
func HealthStatus(score float64) string {
	switch {
	case score >= 95:
		return "excellent"
	case score >= 85:
		return "good"
	case score >= 70:
		return "fair"
	case score >= 50:
		return "poor"
	default:
		return "critical"
	}
}

// HealthColor 健康颜色
func HealthColor(score float64) string {
	switch {
	case score >= 85:
		return "green"
	case score >= 70:
		return "yellow"
	case score >= 50:
		return "orange"
	default:
		return "red"
	}
}

func isActive(latest map[int64]time.Time, deviceID int64, now time.Time, within time.Duration) bool {
	ts, ok := latest[deviceID]
	return ok && now.Sub(ts) <= within
}

func connectivityScore(devices []domain.Device, latest map[int64]time.Time, now time.Time) float64 {
	active := 0
	for _, d := range devices {
		if isActive(latest, d.ID, now, 10*time.Minute) {
			active++
		}
	}
	return widget.Percent(float64(active), float64(len(devices)))
}

// dataQualityScore 最近 1 小时读数达到期望值 80% 的设备占比
func dataQualityScore(devices []domain.Device, lastHour map[int64]int) float64 {
	good := 0
	for _, d := range devices {
		if float64(lastHour[d.ID]) >= 0.8*expectedReadingsPerHour {
			good++
		}
	}
	return widget.Percent(float64(good), float64(len(devices)))
}

func alertStatusScore(unresolved []domain.Alert) float64 {
	crit, warn, _ := countSeverities(unresolved)
	score := 100 - 20*crit - 5*warn
	if score < 0 {
		return 0
	}
	return float64(score)
}

// performanceScore 网关遥测健康度均值；没有任何遥测时记 100
func performanceScore(gateways []domain.Gateway) float64 {
	scores := []float64{}
	for i := range gateways {
		g := &gateways[i]
		if g.CPULoad == nil && g.MemoryUsage == nil && g.LastSystemUpdate == nil {
			continue
		}
		scores = append(scores, float64(g.SystemHealthScore()))
	}
	if len(scores) == 0 {
		return 100
	}
	return widget.Mean(scores)
}

func availabilityScore(s *scope, latest map[int64]time.Time, now time.Time) float64 {
	available := 0
	for _, g := range s.gateways {
		if g.CommunicationStatus == domain.CommOnline || gatewayReported(s.byGateway[g.ID], latest, now, 15*time.Minute) {
			available++
		}
	}
	return widget.Percent(float64(available), float64(len(s.gateways)))
}

func gatewayReported(devices []domain.Device, latest map[int64]time.Time, now time.Time, within time.Duration) bool {
	for _, d := range devices {
		if isActive(latest, d.ID, now, within) {
			return true
		}
	}
	return false
}

// deviceBucket 按名称关键字归类
func deviceBucket(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "water"):
		return "water_meter"
	case strings.Contains(n, "energy") || strings.Contains(n, "meter"):
		return "energy_meter"
	case strings.Contains(n, "temp") || strings.Contains(n, "sensor"):
		return "temperature_sensor"
	default:
		return "other"
	}
}

func componentHealth(s *scope, latest map[int64]time.Time, now time.Time) ComponentHealth {
	out := ComponentHealth{Gateways: []GatewayHealth{}, DeviceTypes: []DeviceTypeHealth{}}
	for _, g := range s.gateways {
		devices := s.byGateway[g.ID]
		active := 0
		for _, d := range devices {
			if isActive(latest, d.ID, now, 10*time.Minute) {
				active++
			}
		}
		score := widget.Round(widget.Percent(float64(active), float64(len(devices))), 1)
		out.Gateways = append(out.Gateways, GatewayHealth{
			ID:            g.ID,
			Name:          g.Name,
			HealthScore:   score,
			Status:        HealthStatus(score),
			DeviceCount:   len(devices),
			ActiveDevices: active,
		})
	}

	type bucket struct{ total, active int }
	buckets := map[string]*bucket{}
	for _, d := range s.devices {
		name := deviceBucket(d.Name)
		b, ok := buckets[name]
		if !ok {
			b = &bucket{}
			buckets[name] = b
		}
		b.total++
		if isActive(latest, d.ID, now, 10*time.Minute) {
			b.active++
		}
	}
	for _, name := range []string{"energy_meter", "water_meter", "temperature_sensor", "other"} {
		b, ok := buckets[name]
		if !ok {
			continue
		}
		pct := widget.Round(widget.Percent(float64(b.active), float64(b.total)), 1)
		out.DeviceTypes = append(out.DeviceTypes, DeviceTypeHealth{
			Type:          name,
			TotalCount:    b.total,
			ActiveCount:   b.active,
			OnlinePercent: pct,
			Status:        HealthStatus(pct),
		})
	}
	return out
}

// healthTrends 最近 7 天：当天有读数的设备占比 60%，当天告警扣分 40%
func healthTrends(s *scope, week []domain.Reading, alerts []domain.Alert, now time.Time) []HealthTrendPoint {
	first := startOfDay(now).AddDate(0, 0, -6)
	reported := make([]map[int64]struct{}, 7)
	for i := range reported {
		reported[i] = map[int64]struct{}{}
	}
	for _, r := range week {
		if idx := dayIndex(first, r.Timestamp); idx >= 0 && idx < 7 {
			reported[idx][r.DeviceID] = struct{}{}
		}
	}
	daily := make([][]domain.Alert, 7)
	for _, a := range alerts {
		if idx := dayIndex(first, a.Timestamp); idx >= 0 && idx < 7 {
			daily[idx] = append(daily[idx], a)
		}
	}

	out := make([]HealthTrendPoint, 0, 7)
	for i := 0; i < 7; i++ {
		coverage := widget.Percent(float64(len(reported[i])), float64(len(s.devices)))
		score := widget.Round(coverage*0.6+alertStatusScore(daily[i])*0.4, 1)
		out = append(out, HealthTrendPoint{
			Date:        first.AddDate(0, 0, i).Format("2006-01-02"),
			HealthScore: score,
			Status:      HealthStatus(score),
		})
	}
	return out
}

func dayIndex(first, t time.Time) int {
	if t.Before(first) {
		return -1
	}
	return int(startOfDay(t.In(first.Location())).Sub(first).Hours() / 24)
}

func criticalIssues(s *scope, unresolved []domain.Alert, latest map[int64]time.Time, now time.Time) []HealthIssue {
	issues := []HealthIssue{}
	for _, a := range unresolved {
		if a.Severity != domain.SeverityCritical {
			continue
		}
		ts := a.Timestamp
		dev := s.deviceMap[a.DeviceID]
		issues = append(issues, HealthIssue{
			Type:        "critical_alert",
			Severity:    domain.SeverityCritical,
			Title:       "Critical Alert: " + a.ParameterName,
			Description: a.Message,
			Device:      dev.Name,
			Gateway:     s.gwNames[dev.GatewayID],
			Timestamp:   &ts,
			AgeMinutes:  int(a.AgeMinutes(now)),
		})
	}
	for _, d := range s.devices {
		if isActive(latest, d.ID, now, time.Hour) {
			continue
		}
		issue := HealthIssue{
			Type:        "device_offline",
			Severity:    domain.SeverityWarning,
			Title:       "Device Offline: " + d.Name,
			Description: "Device has not reported data in over 1 hour",
			Device:      d.Name,
			Gateway:     s.gwNames[d.GatewayID],
		}
		if ts, ok := latest[d.ID]; ok {
			issue.Timestamp = &ts
			issue.AgeMinutes = int(now.Sub(ts).Minutes())
		}
		issues = append(issues, issue)
	}

	sort.SliceStable(issues, func(i, j int) bool {
		ri, rj := domain.SeverityRank(issues[i].Severity), domain.SeverityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return issues[i].AgeMinutes > issues[j].AgeMinutes
	})
	if len(issues) > 10 {
		issues = issues[:10]
	}
	return issues
}

func recommendations(factors map[string]float64, unresolved []domain.Alert, devices []domain.Device, latest map[int64]time.Time, now time.Time) []HealthRecommendation {
	out := []HealthRecommendation{}
	if factors["connectivity"] < 70 {
		offline := 0
		for _, d := range devices {
			if !isActive(latest, d.ID, now, time.Hour) {
				offline++
			}
		}
		out = append(out, HealthRecommendation{
			Priority:    "high",
			Category:    "connectivity",
			Title:       "Address Offline Devices",
			Description: fmt.Sprintf("You have %d offline devices that need attention.", offline),
			Action:      "Check device connections and power supply",
		})
	}
	if factors["alert_status"] < 70 {
		crit, _, _ := countSeverities(unresolved)
		out = append(out, HealthRecommendation{
			Priority:    "critical",
			Category:    "alerts",
			Title:       "Resolve Critical Alerts",
			Description: fmt.Sprintf("You have %d unresolved critical alerts.", crit),
			Action:      "Review and resolve critical alerts immediately",
		})
	}
	if factors["data_quality"] < 70 {
		out = append(out, HealthRecommendation{
			Priority:    "medium",
			Category:    "data_quality",
			Title:       "Improve Data Quality",
			Description: "Data quality score is below optimal levels.",
			Action:      "Check sensor calibration and polling intervals",
		})
	}
	if factors["performance"] < 70 {
		out = append(out, HealthRecommendation{
			Priority:    "medium",
			Category:    "performance",
			Title:       "Review Gateway Load",
			Description: "Gateway CPU or memory usage is degrading performance.",
			Action:      "Inspect gateway resource usage and restart overloaded units",
		})
	}
	if factors["availability"] < 70 {
		out = append(out, HealthRecommendation{
			Priority:    "high",
			Category:    "availability",
			Title:       "Restore Gateway Communication",
			Description: "Several gateways are not communicating.",
			Action:      "Verify gateway power and cellular connectivity",
		})
	}
	return out
}
