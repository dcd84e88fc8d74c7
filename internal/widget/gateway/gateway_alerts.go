package gateway

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"
)

const recentAlertLimit = 50

// 包含这些关键字的参数额外加 25 分
var criticalParameters = []string{"temperature", "pressure", "voltage", "current"}

type AlertItem struct {
	ID                int64      `json:"id"`
	DeviceID          int64      `json:"device_id"`
	DeviceName        string     `json:"device_name"`
	ParameterName     string     `json:"parameter_name"`
	Value             float64    `json:"value"`
	Severity          string     `json:"severity"`
	Message           string     `json:"message"`
	Timestamp         time.Time  `json:"timestamp"`
	Resolved          bool       `json:"resolved"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	AgeMinutes        int        `json:"age_minutes"`
	AgeFormatted      string     `json:"age_formatted"`
	PriorityScore     int        `json:"priority_score"`
	EscalationLevel   string     `json:"escalation_level"`
	RecommendedAction string     `json:"recommended_action"`
}

type CriticalDevice struct {
	DeviceID      int64  `json:"device_id"`
	DeviceName    string `json:"device_name"`
	CriticalCount int    `json:"critical_count"`
	TotalCount    int    `json:"total_count"`
}

type AlertSummary struct {
	TotalActive        int             `json:"total_active"`
	Critical           int             `json:"critical"`
	Warning            int             `json:"warning"`
	Info               int             `json:"info"`
	MostCriticalDevice *CriticalDevice `json:"most_critical_device"`
}

type DailyCount struct {
	Date     string `json:"date"`
	Critical int    `json:"critical"`
	Warning  int    `json:"warning"`
	Info     int    `json:"info"`
	Total    int    `json:"total"`
}

type HourlyCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type ParameterCount struct {
	Parameter string `json:"parameter"`
	Count     int    `json:"count"`
}

type AlertTrends struct {
	Daily       []DailyCount     `json:"daily"`
	Hourly      []HourlyCount    `json:"hourly"`
	ByParameter []ParameterCount `json:"by_parameter"`
}

type LatestAlert struct {
	ID           int64  `json:"id"`
	Severity     string `json:"severity"`
	Parameter    string `json:"parameter_name"`
	AgeFormatted string `json:"age_formatted"`
}

type DeviceAlertStatus struct {
	DeviceID       int64        `json:"device_id"`
	DeviceName     string       `json:"device_name"`
	Critical       int          `json:"critical"`
	Warning        int          `json:"warning"`
	Info           int          `json:"info"`
	Total          int          `json:"total"`
	MostRecent     *LatestAlert `json:"most_recent_alert"`
	AlertRateToday float64      `json:"alert_rate_today"` // 每小时
	LastResolvedAt *time.Time   `json:"last_resolved_alert"`
}

type AlertStatistics struct {
	TotalAlerts              int     `json:"total_alerts"`
	ResolvedAlerts           int     `json:"resolved_alerts"`
	ResolutionRate           float64 `json:"resolution_rate"`
	AverageResolutionMinutes float64 `json:"average_resolution_minutes"`
	PeakHour                 *int    `json:"peak_hour"`
}

// GatewayAlertsData gateway-alerts 数据
type GatewayAlertsData struct {
	ActiveAlerts      []AlertItem         `json:"active_alerts"`
	AlertSummary      AlertSummary        `json:"alert_summary"`
	RecentAlerts      []AlertItem         `json:"recent_alerts"`
	AlertTrends       AlertTrends         `json:"alert_trends"`
	DeviceAlertStatus []DeviceAlertStatus `json:"device_alert_status"`
	AlertStatistics   AlertStatistics     `json:"alert_statistics"`
}

// Alerts 网关告警
type Alerts struct {
	Deps
}

func NewAlerts(deps Deps) *Alerts { return &Alerts{Deps: deps} }

func (w *Alerts) Meta() widget.Meta {
	return meta(domain.WidgetGatewayAlerts, "Gateway Alerts",
		"Active and recent alerts for devices under one gateway", "alerts", 25, 30)
}

func (w *Alerts) Authorize(ctx context.Context, user *domain.User, cfg widget.Config) (bool, error) {
	return w.authorize(ctx, user, domain.WidgetGatewayAlerts, cfg)
}

func (w *Alerts) Fallback() GatewayAlertsData {
	return GatewayAlertsData{
		ActiveAlerts:      []AlertItem{},
		RecentAlerts:      []AlertItem{},
		AlertTrends:       AlertTrends{Daily: []DailyCount{}, Hourly: []HourlyCount{}, ByParameter: []ParameterCount{}},
		DeviceAlertStatus: []DeviceAlertStatus{},
	}
}

func (w *Alerts) Data(ctx context.Context, req widget.Request) (GatewayAlertsData, error) {
	out := w.Fallback()
	s, err := w.loadScope(ctx, req.User, req.Config)
	if err != nil {
		return out, err
	}
	if len(s.devices) == 0 {
		return out, nil
	}
	now := req.Now

	active, err := w.Repos.Alerts.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: s.deviceIDs, Resolved: repository.BoolPtr(false)})
	if err != nil {
		return out, err
	}
	week, err := w.Repos.Alerts.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: s.deviceIDs, Since: now.AddDate(0, 0, -7)})
	if err != nil {
		return out, err
	}

	out.ActiveAlerts = make([]AlertItem, 0, len(active))
	for _, a := range active {
		out.ActiveAlerts = append(out.ActiveAlerts, s.alertItem(a, now))
	}
	sort.SliceStable(out.ActiveAlerts, func(i, j int) bool {
		ri, rj := domain.SeverityRank(out.ActiveAlerts[i].Severity), domain.SeverityRank(out.ActiveAlerts[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return out.ActiveAlerts[i].Timestamp.After(out.ActiveAlerts[j].Timestamp)
	})

	for _, a := range week {
		if len(out.RecentAlerts) >= recentAlertLimit {
			break
		}
		out.RecentAlerts = append(out.RecentAlerts, s.alertItem(a, now))
	}

	out.AlertSummary = summary(s, active)
	out.AlertTrends = trends(week, now)
	out.DeviceAlertStatus = deviceAlertStatus(s, active, week, now)
	out.AlertStatistics = statistics(week)
	return out, nil
}

func (s *scope) alertItem(a domain.Alert, now time.Time) AlertItem {
	age := a.AgeMinutes(now)
	return AlertItem{
		ID:                a.ID,
		DeviceID:          a.DeviceID,
		DeviceName:        s.deviceMap[a.DeviceID].Name,
		ParameterName:     a.ParameterName,
		Value:             a.Value,
		Severity:          a.Severity,
		Message:           a.Message,
		Timestamp:         a.Timestamp,
		Resolved:          a.Resolved,
		ResolvedAt:        a.ResolvedAt,
		AgeMinutes:        int(age),
		AgeFormatted:      widget.FormatAge(age),
		PriorityScore:     PriorityScore(a.Severity, a.ParameterName, age),
		EscalationLevel:   EscalationLevel(a.Severity, age),
		RecommendedAction: RecommendedAction(a.Severity, a.ParameterName),
	}
}

// PriorityScore 严重度权重 + 时长加分 + 关键参数加分
func PriorityScore(severity, parameter string, ageMinutes float64) int {
	score := widget.SeverityWeight(severity)
	if ageMinutes > 60 {
		score += int(math.Min(50, math.Floor(ageMinutes/60)*5))
	}
	p := strings.ToLower(parameter)
	for _, kw := range criticalParameters {
		if strings.Contains(p, kw) {
			score += 25
			break
		}
	}
	return score
}

func EscalationLevel(severity string, ageMinutes float64) string {
	switch {
	case severity == domain.SeverityCritical && ageMinutes > 120:
		return "high"
	case severity == domain.SeverityCritical && ageMinutes > 60:
		return "medium"
	case severity == domain.SeverityWarning && ageMinutes > 240:
		return "medium"
	default:
		return "none"
	}
}

var parameterActions = []struct {
	keyword, critical, other string
}{
	{"temperature", "Check cooling system immediately", "Monitor temperature trends"},
	{"voltage", "Check electrical connections", "Verify power supply stability"},
	{"current", "Check for electrical faults", "Monitor load conditions"},
	{"power", "Investigate power anomaly", "Review power consumption patterns"},
}

func RecommendedAction(severity, parameter string) string {
	p := strings.ToLower(parameter)
	critical := severity == domain.SeverityCritical
	for _, a := range parameterActions {
		if strings.Contains(p, a.keyword) {
			if critical {
				return a.critical
			}
			return a.other
		}
	}
	if critical {
		return "Investigate immediately"
	}
	return "Monitor and review"
}

func summary(s *scope, active []domain.Alert) AlertSummary {
	out := AlertSummary{TotalActive: len(active)}
	perDevice := map[int64]*CriticalDevice{}
	for _, a := range active {
		switch a.Severity {
		case domain.SeverityCritical:
			out.Critical++
		case domain.SeverityWarning:
			out.Warning++
		case domain.SeverityInfo:
			out.Info++
		}
		cd, ok := perDevice[a.DeviceID]
		if !ok {
			cd = &CriticalDevice{DeviceID: a.DeviceID, DeviceName: s.deviceMap[a.DeviceID].Name}
			perDevice[a.DeviceID] = cd
		}
		cd.TotalCount++
		if a.Severity == domain.SeverityCritical {
			cd.CriticalCount++
		}
	}
	for _, cd := range perDevice {
		if cd.CriticalCount == 0 {
			continue
		}
		m := out.MostCriticalDevice
		if m == nil || cd.CriticalCount > m.CriticalCount ||
			cd.CriticalCount == m.CriticalCount && cd.DeviceID < m.DeviceID {
			out.MostCriticalDevice = cd
		}
	}
	return out
}

func trends(week []domain.Alert, now time.Time) AlertTrends {
	out := AlertTrends{Daily: make([]DailyCount, 7), Hourly: make([]HourlyCount, 24), ByParameter: []ParameterCount{}}
	first := startOfDay(now).AddDate(0, 0, -6)
	for i := range out.Daily {
		out.Daily[i].Date = first.AddDate(0, 0, i).Format("2006-01-02")
	}
	for h := range out.Hourly {
		out.Hourly[h].Hour = h
	}

	params := map[string]int{}
	dayAgo := now.Add(-24 * time.Hour)
	for _, a := range week {
		if i := dayIndex(first, a.Timestamp); i >= 0 && i < 7 {
			d := &out.Daily[i]
			switch a.Severity {
			case domain.SeverityCritical:
				d.Critical++
			case domain.SeverityWarning:
				d.Warning++
			case domain.SeverityInfo:
				d.Info++
			}
			d.Total++
		}
		if !a.Timestamp.Before(dayAgo) {
			out.Hourly[a.Timestamp.In(now.Location()).Hour()].Count++
		}
		params[a.ParameterName]++
	}
	for p, n := range params {
		out.ByParameter = append(out.ByParameter, ParameterCount{Parameter: p, Count: n})
	}
	sort.Slice(out.ByParameter, func(i, j int) bool {
		if out.ByParameter[i].Count != out.ByParameter[j].Count {
			return out.ByParameter[i].Count > out.ByParameter[j].Count
		}
		return out.ByParameter[i].Parameter < out.ByParameter[j].Parameter
	})
	return out
}

func deviceAlertStatus(s *scope, active, week []domain.Alert, now time.Time) []DeviceAlertStatus {
	rows := make(map[int64]*DeviceAlertStatus, len(s.devices))
	for _, d := range s.devices {
		rows[d.ID] = &DeviceAlertStatus{DeviceID: d.ID, DeviceName: d.Name}
	}
	// active 按时间降序，第一条即最新
	for _, a := range active {
		row, ok := rows[a.DeviceID]
		if !ok {
			continue
		}
		switch a.Severity {
		case domain.SeverityCritical:
			row.Critical++
		case domain.SeverityWarning:
			row.Warning++
		case domain.SeverityInfo:
			row.Info++
		}
		row.Total++
		if row.MostRecent == nil {
			row.MostRecent = &LatestAlert{ID: a.ID, Severity: a.Severity, Parameter: a.ParameterName, AgeFormatted: widget.FormatAge(a.AgeMinutes(now))}
		}
	}

	today := startOfDay(now)
	hoursToday := math.Max(1, now.Sub(today).Hours())
	todayCount := map[int64]int{}
	for _, a := range week {
		row, ok := rows[a.DeviceID]
		if !ok {
			continue
		}
		if !a.Timestamp.Before(today) {
			todayCount[a.DeviceID]++
		}
		if a.Resolved && a.ResolvedAt != nil && (row.LastResolvedAt == nil || a.ResolvedAt.After(*row.LastResolvedAt)) {
			t := *a.ResolvedAt
			row.LastResolvedAt = &t
		}
	}

	out := make([]DeviceAlertStatus, 0, len(rows))
	for _, d := range s.devices {
		row := rows[d.ID]
		row.AlertRateToday = widget.Round(float64(todayCount[d.ID])/hoursToday, 2)
		out = append(out, *row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Critical != out[j].Critical {
			return out[i].Critical > out[j].Critical
		}
		return out[i].Total > out[j].Total
	})
	return out
}

func statistics(week []domain.Alert) AlertStatistics {
	out := AlertStatistics{TotalAlerts: len(week)}
	var minutes []float64
	hours := make([]int, 24)
	for _, a := range week {
		hours[a.Timestamp.Hour()]++
		if a.Resolved {
			out.ResolvedAlerts++
			if a.ResolvedAt != nil {
				minutes = append(minutes, a.ResolvedAt.Sub(a.Timestamp).Minutes())
			}
		}
	}
	out.ResolutionRate = widget.Round(widget.Percent(float64(out.ResolvedAlerts), float64(out.TotalAlerts)), 1)
	out.AverageResolutionMinutes = widget.Round(widget.Mean(minutes), 1)
	if len(week) > 0 {
		peak := 0
		for h, n := range hours {
			if n > hours[peak] {
				peak = h
			}
		}
		out.PeakHour = &peak
	}
	return out
}
