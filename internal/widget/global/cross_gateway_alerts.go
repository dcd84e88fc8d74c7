package global

import (
	"context"
	"sort"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"
)

// AlertItem 带设备 / 网关上下文的告警
type AlertItem struct {
	ID            int64      `json:"id"`
	DeviceID      int64      `json:"device_id"`
	DeviceName    string     `json:"device_name"`
	GatewayID     int64      `json:"gateway_id"`
	GatewayName   string     `json:"gateway_name"`
	ParameterName string     `json:"parameter_name"`
	Value         float64    `json:"value"`
	Severity      string     `json:"severity"`
	Message       string     `json:"message"`
	Timestamp     time.Time  `json:"timestamp"`
	Resolved      bool       `json:"resolved"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	AgeMinutes    int        `json:"age_minutes"`
	PriorityScore int        `json:"priority_score"`
}

type DailyAlertCount struct {
	Date     string `json:"date"`
	Critical int    `json:"critical"`
	Warning  int    `json:"warning"`
	Info     int    `json:"info"`
	Total    int    `json:"total"`
}

type GatewayAlertSummary struct {
	GatewayID     int64  `json:"gateway_id"`
	GatewayName   string `json:"gateway_name"`
	Critical      int    `json:"critical"`
	Warning       int    `json:"warning"`
	Info          int    `json:"info"`
	Total         int    `json:"total"`
	PriorityScore int    `json:"priority_score"`
}

type ParameterCount struct {
	Parameter string `json:"parameter"`
	Count     int    `json:"count"`
}

type BusiestGateway struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	AlertCount int    `json:"alert_count"`
}

type AlertStatistics struct {
	TotalActive           int             `json:"total_active"`
	TotalResolvedToday    int             `json:"total_resolved_today"`
	AverageResolutionTime float64         `json:"average_resolution_time"`
	MostCommonParameter   *ParameterCount `json:"most_common_parameter"`
	BusiestGateway        *BusiestGateway `json:"busiest_gateway"`
}

// CrossGatewayAlertsData cross-gateway-alerts 数据
type CrossGatewayAlertsData struct {
	CriticalAlerts      []AlertItem           `json:"critical_alerts"`
	WarningAlerts       []AlertItem           `json:"warning_alerts"`
	InfoAlerts          []AlertItem           `json:"info_alerts"`
	RecentAlerts        []AlertItem           `json:"recent_alerts"`
	AlertTrends         []DailyAlertCount     `json:"alert_trends"`
	GatewayAlertSummary []GatewayAlertSummary `json:"gateway_alert_summary"`
	AlertStatistics     AlertStatistics       `json:"alert_statistics"`
}

const severityListLimit = 20

// CrossGatewayAlerts 跨网关告警
type CrossGatewayAlerts struct {
	Deps
}

func NewCrossGatewayAlerts(deps Deps) *CrossGatewayAlerts { return &CrossGatewayAlerts{Deps: deps} }

func (w *CrossGatewayAlerts) Meta() widget.Meta {
	return widget.Meta{
		Type:             domain.WidgetCrossGatewayAlerts,
		Name:             "Cross-Gateway Alerts",
		Description:      "Alerts from all authorized gateways and devices",
		Category:         "alerts",
		Priority:         20,
		SupportsRealtime: true,
		RealtimeInterval: 30,
	}
}

func (w *CrossGatewayAlerts) Authorize(ctx context.Context, user *domain.User, cfg widget.Config) (bool, error) {
	return w.authorize(ctx, user, domain.WidgetCrossGatewayAlerts, cfg)
}

func (w *CrossGatewayAlerts) Fallback() CrossGatewayAlertsData {
	return CrossGatewayAlertsData{
		CriticalAlerts:      []AlertItem{},
		WarningAlerts:       []AlertItem{},
		InfoAlerts:          []AlertItem{},
		RecentAlerts:        []AlertItem{},
		AlertTrends:         []DailyAlertCount{},
		GatewayAlertSummary: []GatewayAlertSummary{},
	}
}

func (w *CrossGatewayAlerts) Data(ctx context.Context, req widget.Request) (CrossGatewayAlertsData, error) {
	out := w.Fallback()
	s, err := w.loadScope(ctx, req.User)
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

	for _, a := range active {
		item := s.alertItem(a, now)
		switch a.Severity {
		case domain.SeverityCritical:
			if len(out.CriticalAlerts) < severityListLimit {
				out.CriticalAlerts = append(out.CriticalAlerts, item)
			}
		case domain.SeverityWarning:
			if len(out.WarningAlerts) < severityListLimit {
				out.WarningAlerts = append(out.WarningAlerts, item)
			}
		case domain.SeverityInfo:
			if len(out.InfoAlerts) < severityListLimit {
				out.InfoAlerts = append(out.InfoAlerts, item)
			}
		}
	}

	dayAgo := now.Add(-24 * time.Hour)
	for _, a := range week {
		if a.Timestamp.Before(dayAgo) || len(out.RecentAlerts) >= 10 {
			continue
		}
		out.RecentAlerts = append(out.RecentAlerts, s.alertItem(a, now))
	}

	out.AlertTrends = dailyAlertTrends(week, now, 7)
	out.GatewayAlertSummary = gatewayAlertSummary(s, active)
	out.AlertStatistics = alertStatistics(s, active, week, now)
	return out, nil
}

func (s *scope) alertItem(a domain.Alert, now time.Time) AlertItem {
	dev := s.deviceMap[a.DeviceID]
	age := a.AgeMinutes(now)
	return AlertItem{
		ID:            a.ID,
		DeviceID:      a.DeviceID,
		DeviceName:    dev.Name,
		GatewayID:     dev.GatewayID,
		GatewayName:   s.gwNames[dev.GatewayID],
		ParameterName: a.ParameterName,
		Value:         a.Value,
		Severity:      a.Severity,
		Message:       a.Message,
		Timestamp:     a.Timestamp,
		Resolved:      a.Resolved,
		ResolvedAt:    a.ResolvedAt,
		AgeMinutes:    int(age),
		PriorityScore: widget.AlertPriorityScore(a.Severity, age, a.Resolved),
	}
}

// dailyAlertTrends 最近 days 天（含今天）每日各级别数量，最早在前
func dailyAlertTrends(alerts []domain.Alert, now time.Time, days int) []DailyAlertCount {
	index := map[string]int{}
	out := make([]DailyAlertCount, days)
	today := startOfDay(now)
	for i := 0; i < days; i++ {
		d := today.AddDate(0, 0, i-days+1).Format("2006-01-02")
		out[i] = DailyAlertCount{Date: d}
		index[d] = i
	}
	for _, a := range alerts {
		i, ok := index[a.Timestamp.In(now.Location()).Format("2006-01-02")]
		if !ok {
			continue
		}
		switch a.Severity {
		case domain.SeverityCritical:
			out[i].Critical++
		case domain.SeverityWarning:
			out[i].Warning++
		case domain.SeverityInfo:
			out[i].Info++
		}
		out[i].Total++
	}
	return out
}

// gatewayAlertSummary 仅列出有未解决告警的网关，按优先级降序
func gatewayAlertSummary(s *scope, active []domain.Alert) []GatewayAlertSummary {
	byGateway := map[int64]*GatewayAlertSummary{}
	for _, a := range active {
		gid := s.gatewayOf(a.DeviceID)
		sum, ok := byGateway[gid]
		if !ok {
			sum = &GatewayAlertSummary{GatewayID: gid, GatewayName: s.gwNames[gid]}
			byGateway[gid] = sum
		}
		switch a.Severity {
		case domain.SeverityCritical:
			sum.Critical++
		case domain.SeverityWarning:
			sum.Warning++
		case domain.SeverityInfo:
			sum.Info++
		}
		sum.Total++
	}
	out := make([]GatewayAlertSummary, 0, len(byGateway))
	for _, sum := range byGateway {
		sum.PriorityScore = sum.Critical*100 + sum.Warning*50 + sum.Info*10
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore == out[j].PriorityScore {
			return out[i].GatewayID < out[j].GatewayID
		}
		return out[i].PriorityScore > out[j].PriorityScore
	})
	return out
}

func alertStatistics(s *scope, active, week []domain.Alert, now time.Time) AlertStatistics {
	stats := AlertStatistics{TotalActive: len(active)}
	today := startOfDay(now)

	var resolutionMinutes []float64
	params := map[string]int{}
	gateways := map[int64]int{}
	for _, a := range week {
		if a.Resolved && a.ResolvedAt != nil {
			resolutionMinutes = append(resolutionMinutes, a.ResolvedAt.Sub(a.Timestamp).Minutes())
			if !a.ResolvedAt.Before(today) {
				stats.TotalResolvedToday++
			}
		}
		params[a.ParameterName]++
		gateways[s.gatewayOf(a.DeviceID)]++
	}
	stats.AverageResolutionTime = widget.Round(widget.Mean(resolutionMinutes), 1)

	if name, n := topString(params); n > 0 {
		stats.MostCommonParameter = &ParameterCount{Parameter: name, Count: n}
	}
	var bestID int64
	best := 0
	for id, n := range gateways {
		if n > best || n == best && id < bestID {
			bestID, best = id, n
		}
	}
	if best > 0 {
		stats.BusiestGateway = &BusiestGateway{ID: bestID, Name: s.gwNames[bestID], AlertCount: best}
	}
	return stats
}

// topString 计数最多的键；并列时取字典序最小
func topString(counts map[string]int) (string, int) {
	best, n := "", 0
	for k, c := range counts {
		if c > n || c == n && k < best {
			best, n = k, c
		}
	}
	return best, n
}
