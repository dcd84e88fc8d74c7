package gateway

import (
	"context"
	"sort"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"
)

// 设备在线状态
const (
	DeviceOnline  = "online"
	DeviceWarning = "warning"
	DeviceOffline = "offline"
)

type ReadingRef struct {
	ParameterName string    `json:"parameter_name"`
	Value         float64   `json:"value"`
	Unit          string    `json:"unit,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type AlertCounts struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

type DeviceItem struct {
	ID                   int64       `json:"id"`
	Name                 string      `json:"name"`
	SlaveID              int         `json:"slave_id"`
	LocationTag          string      `json:"location_tag,omitempty"`
	Manufacturer         string      `json:"manufacturer,omitempty"`
	PartNumber           string      `json:"part_number,omitempty"`
	SerialNumber         string      `json:"serial_number,omitempty"`
	DeviceType           string      `json:"device_type"`
	Status               string      `json:"status"`
	LastReading          *ReadingRef `json:"last_reading"`
	Alerts               AlertCounts `json:"alerts"`
	HealthScore          float64     `json:"health_score"`
	CommunicationQuality string      `json:"communication_quality"`
	DataPointsToday      int         `json:"data_points_today"`
}

type DeviceSummary struct {
	Total      int `json:"total"`
	Online     int `json:"online"`
	Warning    int `json:"warning"`
	Offline    int `json:"offline"`
	WithAlerts int `json:"with_alerts"`
}

type DeviceTypeCount struct {
	Type   string `json:"type"`
	Count  int    `json:"count"`
	Online int    `json:"online"`
}

type ConnectivityIssue struct {
	DeviceID      int64      `json:"device_id"`
	DeviceName    string     `json:"device_name"`
	LastSeen      *time.Time `json:"last_seen"`
	MinutesSilent int        `json:"minutes_silent"`
}

type Connectivity struct {
	Connected        int                 `json:"connected"`
	ConnectedPercent float64             `json:"connected_percentage"`
	Status           string              `json:"status"`
	Issues           []ConnectivityIssue `json:"issues"`
}

type DeviceThroughput struct {
	DeviceID   int64  `json:"device_id"`
	DeviceName string `json:"device_name"`
	Readings   int    `json:"readings"`
}

type DevicePerformance struct {
	ReadingsLastHour         int                `json:"readings_last_hour"`
	AverageReadingsPerDevice float64            `json:"average_readings_per_device"`
	PerDevice                []DeviceThroughput `json:"per_device"`
}

// DeviceListData gateway-device-list 数据
type DeviceListData struct {
	Devices      []DeviceItem      `json:"devices"`
	Summary      DeviceSummary     `json:"device_summary"`
	DeviceTypes  []DeviceTypeCount `json:"device_types"`
	Connectivity Connectivity      `json:"connectivity_status"`
	Performance  DevicePerformance `json:"performance_metrics"`
}

// DeviceList 网关设备列表
type DeviceList struct {
	Deps
}

func NewDeviceList(deps Deps) *DeviceList { return &DeviceList{Deps: deps} }

func (w *DeviceList) Meta() widget.Meta {
	return meta(domain.WidgetGatewayDeviceList, "Device List",
		"Devices under the gateway with status, latest readings and alerts", "devices", 10, 60)
}

func (w *DeviceList) Authorize(ctx context.Context, user *domain.User, cfg widget.Config) (bool, error) {
	return w.authorize(ctx, user, domain.WidgetGatewayDeviceList, cfg)
}

func (w *DeviceList) Fallback() DeviceListData {
	return DeviceListData{
		Devices:      []DeviceItem{},
		DeviceTypes:  []DeviceTypeCount{},
		Connectivity: Connectivity{Status: "unknown", Issues: []ConnectivityIssue{}},
		Performance:  DevicePerformance{PerDevice: []DeviceThroughput{}},
	}
}

func (w *DeviceList) Data(ctx context.Context, req widget.Request) (DeviceListData, error) {
	out := w.Fallback()
	s, err := w.loadScope(ctx, req.User, req.Config)
	if err != nil {
		return out, err
	}
	if len(s.devices) == 0 {
		return out, nil
	}
	now := req.Now

	today, err := w.Repos.Readings.ListReadings(ctx, repository.ReadingFilter{DeviceIDs: s.deviceIDs, Since: earliest(startOfDay(now), now.Add(-time.Hour)), Until: now})
	if err != nil {
		return out, err
	}
	active, err := w.Repos.Alerts.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: s.deviceIDs, Resolved: repository.BoolPtr(false)})
	if err != nil {
		return out, err
	}
	alertsByDevice := map[int64][]domain.Alert{}
	for _, a := range active {
		alertsByDevice[a.DeviceID] = append(alertsByDevice[a.DeviceID], a)
	}

	dayStart := startOfDay(now)
	hourAgo := now.Add(-time.Hour)
	pointsToday := map[int64]int{}
	lastHour := map[int64]int{}
	for _, r := range today {
		if !r.Timestamp.Before(dayStart) {
			pointsToday[r.DeviceID]++
		}
		if !r.Timestamp.Before(hourAgo) {
			lastHour[r.DeviceID]++
		}
	}

	types := map[string]*DeviceTypeCount{}
	var typeOrder []string
	for _, d := range s.devices {
		last, err := w.lastReading(ctx, d.ID)
		if err != nil {
			return out, err
		}
		var lastAt *time.Time
		if last != nil {
			lastAt = &last.Timestamp
		}
		status := DeviceStatus(lastAt, now)
		item := DeviceItem{
			ID:                   d.ID,
			Name:                 d.Name,
			SlaveID:              d.SlaveID,
			LocationTag:          d.LocationTag,
			Manufacturer:         d.Manufacturer,
			PartNumber:           d.PartNumber,
			SerialNumber:         d.SerialNumber,
			DeviceType:           d.Type(),
			Status:               status,
			LastReading:          last,
			Alerts:               countAlerts(alertsByDevice[d.ID]),
			HealthScore:          DeviceHealthScore(lastAt, alertsByDevice[d.ID], now),
			CommunicationQuality: CommunicationQuality(lastHour[d.ID]),
			DataPointsToday:      pointsToday[d.ID],
		}
		out.Devices = append(out.Devices, item)

		switch status {
		case DeviceOnline:
			out.Summary.Online++
		case DeviceWarning:
			out.Summary.Warning++
		default:
			out.Summary.Offline++
		}
		if item.Alerts.Total > 0 {
			out.Summary.WithAlerts++
		}

		tc, ok := types[item.DeviceType]
		if !ok {
			tc = &DeviceTypeCount{Type: item.DeviceType}
			types[item.DeviceType] = tc
			typeOrder = append(typeOrder, item.DeviceType)
		}
		tc.Count++
		if status == DeviceOnline {
			tc.Online++
		}

		if lastAt != nil && now.Sub(*lastAt) <= 10*time.Minute {
			out.Connectivity.Connected++
		}
		if lastAt == nil || now.Sub(*lastAt) > 30*time.Minute {
			issue := ConnectivityIssue{DeviceID: d.ID, DeviceName: d.Name, LastSeen: lastAt}
			if lastAt != nil {
				issue.MinutesSilent = int(now.Sub(*lastAt).Minutes())
			}
			out.Connectivity.Issues = append(out.Connectivity.Issues, issue)
		}

		out.Performance.PerDevice = append(out.Performance.PerDevice, DeviceThroughput{DeviceID: d.ID, DeviceName: d.Name, Readings: lastHour[d.ID]})
		out.Performance.ReadingsLastHour += lastHour[d.ID]
	}

	SortDevices(out.Devices)
	out.Summary.Total = len(s.devices)
	for _, t := range typeOrder {
		out.DeviceTypes = append(out.DeviceTypes, *types[t])
	}
	pct := widget.Percent(float64(out.Connectivity.Connected), float64(len(s.devices)))
	out.Connectivity.ConnectedPercent = widget.Round(pct, 1)
	out.Connectivity.Status = ConnectivityStatus(pct)
	out.Performance.AverageReadingsPerDevice = widget.Round(float64(out.Performance.ReadingsLastHour)/float64(len(s.devices)), 1)
	return out, nil
}

func (w *DeviceList) lastReading(ctx context.Context, deviceID int64) (*ReadingRef, error) {
	rows, err := w.Repos.Readings.ListReadings(ctx, repository.ReadingFilter{DeviceIDs: []int64{deviceID}, Desc: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &ReadingRef{ParameterName: r.ParameterName, Value: r.Value, Unit: r.Unit, Timestamp: r.Timestamp}, nil
}

// DeviceStatus 5 分钟内 online，30 分钟内 warning
func DeviceStatus(last *time.Time, now time.Time) string {
	if last == nil {
		return DeviceOffline
	}
	switch age := minutesSince(now, *last); {
	case age <= 5:
		return DeviceOnline
	case age <= 30:
		return DeviceWarning
	default:
		return DeviceOffline
	}
}

// CommunicationQuality 最近 1 小时读数相对期望值 12 的比例
func CommunicationQuality(readingsLastHour int) string {
	pct := widget.Percent(float64(readingsLastHour), expectedReadingsPerHour)
	switch {
	case pct >= 90:
		return "excellent"
	case pct >= 70:
		return "good"
	case pct >= 40:
		return "fair"
	default:
		return "poor"
	}
}

func ConnectivityStatus(connectedPercent float64) string {
	switch {
	case connectedPercent < 50:
		return "critical"
	case connectedPercent < 80:
		return "warning"
	default:
		return "good"
	}
}

var statusOrder = map[string]int{DeviceOffline: 0, DeviceWarning: 1, DeviceOnline: 2}

// SortDevices 严重告警数降序，其次 offline → warning → online，最后按名称
func SortDevices(devices []DeviceItem) {
	sort.SliceStable(devices, func(i, j int) bool {
		a, b := devices[i], devices[j]
		if a.Alerts.Critical != b.Alerts.Critical {
			return a.Alerts.Critical > b.Alerts.Critical
		}
		if statusOrder[a.Status] != statusOrder[b.Status] {
			return statusOrder[a.Status] < statusOrder[b.Status]
		}
		return a.Name < b.Name
	})
}

func countAlerts(alerts []domain.Alert) AlertCounts {
	var c AlertCounts
	for _, a := range alerts {
		switch a.Severity {
		case domain.SeverityCritical:
			c.Critical++
		case domain.SeverityWarning:
			c.Warning++
		case domain.SeverityInfo:
			c.Info++
		}
		c.Total++
	}
	return c
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
