package rtu

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/repository"

	"go.uber.org/zap"
)

// 告警类型归一化表，按顺序匹配
var alertTypes = []struct {
	key, normalized string
}{
	{"router_uptime", "Router Uptime"},
	{"uptime", "Router Uptime"},
	{"system_uptime", "Router Uptime"},
	{"connection_state", "Connection State"},
	{"connection_status", "Connection State"},
	{"network_status", "Connection State"},
	{"gsm_signal", "GSM Signal"},
	{"signal_strength", "GSM Signal"},
	{"rssi", "GSM Signal"},
	{"rsrp", "GSM Signal"},
	{"rsrq", "GSM Signal"},
	{"sinr", "GSM Signal"},
	{"cpu_load", "System Performance"},
	{"memory_usage", "System Performance"},
	{"system_load", "System Performance"},
	{"digital_input", "I/O Status"},
	{"digital_output", "I/O Status"},
	{"analog_input", "I/O Status"},
	{"di1", "I/O Status"},
	{"di2", "I/O Status"},
	{"do1", "I/O Status"},
	{"do2", "I/O Status"},
	{"wan_ip", "Network Configuration"},
	{"sim_status", "SIM Card Status"},
	{"sim_iccid", "SIM Card Status"},
	{"sim_operator", "SIM Card Status"},
}

// NormalizeAlertType 先精确匹配，再做双向子串匹配（参数含键名或键名含参数）；都不命中时把下划线替换为空格并首字母大写
func NormalizeAlertType(parameter string) string {
	p := strings.ToLower(strings.TrimSpace(parameter))
	for _, t := range alertTypes {
		if p == t.key {
			return t.normalized
		}
	}
	if p != "" {
		for _, t := range alertTypes {
			if strings.Contains(p, t.key) || strings.Contains(t.key, p) {
				return t.normalized
			}
		}
	}
	return titleCase(strings.ReplaceAll(parameter, "_", " "))
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// AlertGroup 同类告警的合并视图
type AlertGroup struct {
	Type            string    `json:"type"`
	ParameterName   string    `json:"parameter_name"`
	Message         string    `json:"message"`
	Severity        string    `json:"severity"`
	Count           int       `json:"count"`
	LatestTimestamp time.Time `json:"latest_timestamp"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	IsGrouped       bool      `json:"is_grouped"`
	DeviceID        int64     `json:"device_id"`
	LatestValue     float64   `json:"latest_value"`
	AlertIDs        []int64   `json:"alert_ids"`
}

// GroupSimilar 按归一化类型合并告警，结果按最近时间倒序
func GroupSimilar(alerts []domain.Alert) []AlertGroup {
	groups := map[string]*AlertGroup{}
	var order []string
	for _, a := range alerts {
		t := NormalizeAlertType(a.ParameterName)
		g, ok := groups[t]
		if !ok {
			g = &AlertGroup{Type: t, FirstOccurrence: a.Timestamp}
			groups[t] = g
			order = append(order, t)
		}
		g.Count++
		g.AlertIDs = append(g.AlertIDs, a.ID)
		if g.Count == 1 || a.Timestamp.After(g.LatestTimestamp) {
			g.LatestTimestamp = a.Timestamp
			g.ParameterName = a.ParameterName
			g.Message = a.Message
			g.DeviceID = a.DeviceID
			g.LatestValue = a.Value
		}
		if a.Timestamp.Before(g.FirstOccurrence) {
			g.FirstOccurrence = a.Timestamp
		}
		if domain.SeverityRank(a.Severity) > domain.SeverityRank(g.Severity) {
			g.Severity = a.Severity
		}
	}
	out := make([]AlertGroup, 0, len(order))
	for _, t := range order {
		g := groups[t]
		g.IsGrouped = g.Count > 1
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LatestTimestamp.After(out[j].LatestTimestamp) })
	return out
}

// IsBusinessHours 08:00-18:59（at 所在时区）
func IsBusinessHours(at time.Time) bool {
	h := at.Hour()
	return h >= 8 && h <= 18
}

// FilterOffHours 非工作时间只保留 critical 分组
func FilterOffHours(groups []AlertGroup, at time.Time, logger *zap.Logger) []AlertGroup {
	if IsBusinessHours(at) {
		return groups
	}
	kept := make([]AlertGroup, 0, len(groups))
	var suppressed []string
	for _, g := range groups {
		if g.Severity == domain.SeverityCritical {
			kept = append(kept, g)
		} else {
			suppressed = append(suppressed, g.Type)
		}
	}
	if len(suppressed) > 0 && logger != nil {
		logger.Info("Off-hours non-critical alerts moved to low-priority log",
			zap.Int("alert_count", len(suppressed)),
			zap.Strings("alert_types", suppressed),
			zap.Time("timestamp", at),
		)
	}
	return kept
}

// StatusSummary 一行状态摘要
func StatusSummary(groups []AlertGroup) string {
	critical, warning := 0, 0
	for _, g := range groups {
		switch g.Severity {
		case domain.SeverityCritical:
			critical++
		case domain.SeverityWarning:
			warning++
		}
	}
	switch {
	case critical == 1:
		return "1 Critical Alert"
	case critical > 1:
		return fmt.Sprintf("%d Critical Alerts", critical)
	case warning == 1:
		return "1 Warning"
	case warning > 1:
		return fmt.Sprintf("%d Warnings", warning)
	default:
		return "All Systems OK"
	}
}

func summaryOf(alerts []domain.Alert) string {
	groups := make([]AlertGroup, 0, len(alerts))
	for _, a := range alerts {
		groups = append(groups, AlertGroup{Severity: a.Severity})
	}
	return StatusSummary(groups)
}

// 告警筛选时间范围
const (
	RangeLastHour = "last_hour"
	RangeLastDay  = "last_day"
	RangeLastWeek = "last_week"
	RangeCustom   = "custom"
)

// AlertFilters FilteredAlerts 的筛选条件
type AlertFilters struct {
	Severity  []string   `json:"severity,omitempty"`
	DeviceIDs []int64    `json:"device_ids,omitempty"`
	TimeRange string     `json:"time_range,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Resolved  *bool      `json:"resolved,omitempty"`
}

// Window 解析时间窗口，默认最近一天
func (f AlertFilters) Window(now time.Time) (time.Time, time.Time, error) {
	end := now
	if f.EndDate != nil {
		end = *f.EndDate
	}
	var start time.Time
	switch f.TimeRange {
	case RangeLastHour:
		start = now.Add(-time.Hour)
	case RangeLastWeek:
		start = now.AddDate(0, 0, -7)
	case RangeCustom:
		start = now.AddDate(0, 0, -1)
		if f.StartDate != nil {
			start = *f.StartDate
		}
	case "", RangeLastDay:
		start = now.AddDate(0, 0, -1)
	default:
		return start, end, failure.Newf(failure.KindValidation, "rtu.AlertFilters", "unknown time_range %q", f.TimeRange)
	}
	if end.Before(start) {
		return start, end, failure.New(failure.KindValidation, "rtu.AlertFilters", "end_date is before start_date")
	}
	return start, end, nil
}

type GroupedAlerts struct {
	CriticalCount int          `json:"critical_count"`
	WarningCount  int          `json:"warning_count"`
	InfoCount     int          `json:"info_count"`
	Groups        []AlertGroup `json:"grouped_alerts"`
	HasAlerts     bool         `json:"has_alerts"`
	StatusSummary string       `json:"status_summary"`
}

type AlertStats struct {
	Total         int    `json:"total"`
	Active        int    `json:"active"`
	Critical      int    `json:"critical"`
	Today         int    `json:"today"`
	StatusSummary string `json:"status_summary"`
}

type ResolveResult struct {
	Resolved      []int64 `json:"resolved"`
	Failed        []int64 `json:"failed"`
	ResolvedCount int     `json:"resolved_count"`
	FailedCount   int     `json:"failed_count"`
}

const maxGroups = 10

// AlertService RTU 网关告警
type AlertService struct {
	devices repository.DeviceRepository
	alerts  repository.AlertRepository
	cache   *Cache
	now     func() time.Time
	logger  *zap.Logger
}

func NewAlertService(devices repository.DeviceRepository, alerts repository.AlertRepository, cache *Cache, logger *zap.Logger) *AlertService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertService{devices: devices, alerts: alerts, cache: cache, now: time.Now, logger: logger}
}

// WithClock 替换时钟（测试用）
func (s *AlertService) WithClock(now func() time.Time) *AlertService {
	s.now = now
	return s
}

// scopedDeviceIDs 网关下的设备与调用方可见设备的交集；allowed 为 nil 视为无可见设备
func (s *AlertService) scopedDeviceIDs(ctx context.Context, gatewayID int64, allowed []int64) ([]int64, error) {
	devices, err := s.devices.ListDevicesByGateways(ctx, []int64{gatewayID})
	if err != nil {
		return nil, err
	}
	ids := intersect(domain.DeviceIDs(devices), allowed)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// GroupedAlerts 未解决告警的分组视图（非工作时间仅 critical），只包含 allowed 内设备的告警
func (s *AlertService) GroupedAlerts(ctx context.Context, gw *domain.Gateway, allowed []int64) (*GroupedAlerts, error) {
	ids, err := s.scopedDeviceIDs(ctx, gw.ID, allowed)
	if err != nil {
		return nil, err
	}
	active := []domain.Alert{}
	if len(ids) > 0 {
		active, err = s.alerts.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: ids, Resolved: repository.BoolPtr(false)})
		if err != nil {
			return nil, err
		}
	}
	groups := FilterOffHours(GroupSimilar(active), s.now(), s.logger)

	out := &GroupedAlerts{Groups: groups, HasAlerts: len(groups) > 0, StatusSummary: StatusSummary(groups)}
	for _, g := range groups {
		switch g.Severity {
		case domain.SeverityCritical:
			out.CriticalCount++
		case domain.SeverityWarning:
			out.WarningCount++
		case domain.SeverityInfo:
			out.InfoCount++
		}
	}
	if len(out.Groups) > maxGroups {
		out.Groups = out.Groups[:maxGroups]
	}
	return out, nil
}

// alertsKeyInput 缓存键同时覆盖筛选条件与实际设备范围，不同可见范围的用户不共享结果
type alertsKeyInput struct {
	Filters AlertFilters `json:"filters"`
	Devices []int64      `json:"devices"`
}

// FilteredAlerts 按条件筛选网关告警；设备范围为 allowed 与 f.DeviceIDs（非空时）的交集
func (s *AlertService) FilteredAlerts(ctx context.Context, gw *domain.Gateway, allowed []int64, f AlertFilters) ([]domain.Alert, error) {
	start, end, err := f.Window(s.now())
	if err != nil {
		return nil, err
	}
	ids, err := s.scopedDeviceIDs(ctx, gw.ID, allowed)
	if err != nil {
		return nil, err
	}
	if len(f.DeviceIDs) > 0 {
		ids = intersect(ids, f.DeviceIDs)
	}
	if len(ids) == 0 {
		return []domain.Alert{}, nil
	}

	key := AlertsKey(gw.ID, alertsKeyInput{Filters: f, Devices: ids})
	var cached []domain.Alert
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	out, err := s.alerts.ListAlerts(ctx, repository.AlertFilter{
		DeviceIDs:  ids,
		Severities: f.Severity,
		Resolved:   f.Resolved,
		Since:      start,
		Until:      end,
	})
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, out, DefaultTTL)
	return out, nil
}

func intersect(a, b []int64) []int64 {
	set := make(map[int64]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := []int64{}
	for _, id := range a {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// AlertStats 网关告警统计
func (s *AlertService) AlertStats(ctx context.Context, gw *domain.Gateway, allowed []int64) (*AlertStats, error) {
	ids, err := s.scopedDeviceIDs(ctx, gw.ID, allowed)
	if err != nil {
		return nil, err
	}
	all := []domain.Alert{}
	if len(ids) > 0 {
		all, err = s.alerts.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: ids})
		if err != nil {
			return nil, err
		}
	}
	now := s.now()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	out := &AlertStats{Total: len(all)}
	var active []domain.Alert
	for _, a := range all {
		if !a.Resolved {
			active = append(active, a)
			out.Active++
			if a.Severity == domain.SeverityCritical {
				out.Critical++
			}
		}
		if !a.Timestamp.Before(today) {
			out.Today++
		}
	}
	out.StatusSummary = summaryOf(active)
	return out, nil
}

// ResolveAlerts 批量解决告警；不存在或更新失败的 id 计入 Failed。受影响网关的告警缓存随后失效
func (s *AlertService) ResolveAlerts(ctx context.Context, ids []int64, userID int64) ResolveResult {
	out := ResolveResult{Resolved: []int64{}, Failed: []int64{}}
	now := s.now()
	touched := map[int64]struct{}{}
	for _, id := range ids {
		a, err := s.alerts.GetAlert(ctx, id)
		if err != nil {
			out.Failed = append(out.Failed, id)
			continue
		}
		if err := s.alerts.ResolveAlert(ctx, id, userID, now); err != nil {
			s.logger.Error("Failed to resolve RTU alert", zap.Int64("alert_id", id), zap.Error(err))
			out.Failed = append(out.Failed, id)
			continue
		}
		out.Resolved = append(out.Resolved, id)
		touched[a.DeviceID] = struct{}{}
		s.logger.Info("RTU alert resolved",
			zap.Int64("alert_id", id),
			zap.Int64("resolved_by", userID),
			zap.String("parameter_name", a.ParameterName),
			zap.Int64("device_id", a.DeviceID),
		)
	}
	out.ResolvedCount = len(out.Resolved)
	out.FailedCount = len(out.Failed)
	s.invalidateAlertCaches(ctx, touched)
	return out
}

func (s *AlertService) invalidateAlertCaches(ctx context.Context, deviceIDs map[int64]struct{}) {
	if len(deviceIDs) == 0 {
		return
	}
	ids := make([]int64, 0, len(deviceIDs))
	for id := range deviceIDs {
		ids = append(ids, id)
	}
	devices, err := s.devices.GetDevicesByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("Failed to load devices for alert cache invalidation", zap.Error(err))
		return
	}
	for _, gatewayID := range domain.GatewayIDsOf(devices) {
		if _, err := s.cache.InvalidateAlerts(ctx, gatewayID); err != nil {
			s.logger.Warn("Failed to invalidate RTU alert cache", zap.Int64("gateway_id", gatewayID), zap.Error(err))
		}
	}
}
