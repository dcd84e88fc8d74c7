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

// 允许出现负值的参数（双向计量）
var signedParameters = []string{"power", "current", "energy"}

type LiveReading struct {
	RegisterID    int64     `json:"register_id"`
	ParameterName string    `json:"parameter_name"`
	Value         float64   `json:"value"`
	Unit          string    `json:"unit"`
	Timestamp     time.Time `json:"timestamp"`
	AgeSeconds    int       `json:"age_seconds"`
	QualityScore  float64   `json:"quality_score"`
	Trend         string    `json:"trend"`
}

type DeviceLive struct {
	DeviceID     int64         `json:"device_id"`
	DeviceName   string        `json:"device_name"`
	SlaveID      int           `json:"slave_id"`
	LocationTag  string        `json:"location_tag,omitempty"`
	Readings     []LiveReading `json:"readings"`
	LastUpdate   time.Time     `json:"last_update"`
	ReadingCount int           `json:"reading_count"`
	Status       string        `json:"status"`
}

type ParameterSummary struct {
	ParameterName string  `json:"parameter_name"`
	Unit          string  `json:"unit"`
	Average       float64 `json:"average"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	StdDev        float64 `json:"std_dev"`
	Range         float64 `json:"range"`
	Count         int     `json:"count"`
	DeviceCount   int     `json:"device_count"`
}

type DataQualityMetrics struct {
	OverallScore float64 `json:"overall_quality_score"`
	Completeness float64 `json:"completeness_percentage"`
	Accuracy     float64 `json:"accuracy_score"`
	Timeliness   float64 `json:"timeliness_score"`
	Consistency  float64 `json:"consistency_score"`
}

type ReadingStatistics struct {
	TotalReadings     int     `json:"total_readings"`
	ReportingDevices  int     `json:"reporting_devices"`
	Parameters        int     `json:"parameters"`
	ReadingsPerMinute float64 `json:"readings_per_minute"`
}

// RealTimeReadingsData real-time-readings 数据
type RealTimeReadingsData struct {
	LiveReadings       []DeviceLive       `json:"live_readings"`
	ParameterSummaries []ParameterSummary `json:"parameter_summaries"`
	DataQuality        DataQualityMetrics `json:"data_quality_metrics"`
	Statistics         ReadingStatistics  `json:"reading_statistics"`
}

// RealTimeReadings 实时读数
type RealTimeReadings struct {
	Deps
}

func NewRealTimeReadings(deps Deps) *RealTimeReadings { return &RealTimeReadings{Deps: deps} }

func (w *RealTimeReadings) Meta() widget.Meta {
	return meta(domain.WidgetRealTimeReadings, "Real-Time Readings",
		"Live register readings with quality and trend indicators", "readings", 20, 15)
}

func (w *RealTimeReadings) Authorize(ctx context.Context, user *domain.User, cfg widget.Config) (bool, error) {
	return w.authorize(ctx, user, domain.WidgetRealTimeReadings, cfg)
}

func (w *RealTimeReadings) Fallback() RealTimeReadingsData {
	return RealTimeReadingsData{
		LiveReadings:       []DeviceLive{},
		ParameterSummaries: []ParameterSummary{},
	}
}

func (w *RealTimeReadings) Data(ctx context.Context, req widget.Request) (RealTimeReadingsData, error) {
	out := w.Fallback()
	s, err := w.loadScope(ctx, req.User, req.Config)
	if err != nil {
		return out, err
	}
	if len(s.devices) == 0 {
		return out, nil
	}
	now := req.Now

	hour, err := w.Repos.Readings.ListReadings(ctx, repository.ReadingFilter{DeviceIDs: s.deviceIDs, Since: now.Add(-time.Hour), Until: now})
	if err != nil {
		return out, err
	}

	out.LiveReadings = liveReadings(s, hour, now)
	out.ParameterSummaries = parameterSummaries(hour)
	out.DataQuality = DataQuality(len(s.devices), hour, now)
	out.Statistics = readingStatistics(hour)
	return out, nil
}

type seriesKey struct {
	device   int64
	register int64
}

// liveReadings 最近 5 分钟内每个 (设备, 寄存器) 的最新读数；hour 按时间升序
func liveReadings(s *scope, hour []domain.Reading, now time.Time) []DeviceLive {
	latest := map[seriesKey]domain.Reading{}
	previous := map[seriesKey]domain.Reading{}
	for _, r := range hour {
		k := seriesKey{r.DeviceID, r.RegisterID}
		if cur, ok := latest[k]; ok {
			previous[k] = cur
		}
		latest[k] = r
	}

	cutoff := now.Add(-5 * time.Minute)
	perDevice := map[int64][]LiveReading{}
	for k, r := range latest {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		var prev *float64
		if p, ok := previous[k]; ok {
			v := p.Value
			prev = &v
		}
		age := minutesSince(now, r.Timestamp)
		perDevice[k.device] = append(perDevice[k.device], LiveReading{
			RegisterID:    r.RegisterID,
			ParameterName: r.ParameterName,
			Value:         r.Value,
			Unit:          r.Unit,
			Timestamp:     r.Timestamp,
			AgeSeconds:    int(age * 60),
			QualityScore:  ReadingQuality(r.Value, r.ParameterName, age),
			Trend:         ReadingTrend(r.Value, prev),
		})
	}

	out := []DeviceLive{}
	for _, d := range s.devices {
		readings, ok := perDevice[d.ID]
		if !ok {
			continue
		}
		sort.Slice(readings, func(i, j int) bool {
			if !readings[i].Timestamp.Equal(readings[j].Timestamp) {
				return readings[i].Timestamp.After(readings[j].Timestamp)
			}
			return readings[i].RegisterID < readings[j].RegisterID
		})
		last := readings[0].Timestamp
		out = append(out, DeviceLive{
			DeviceID:     d.ID,
			DeviceName:   d.Name,
			SlaveID:      d.SlaveID,
			LocationTag:  d.LocationTag,
			Readings:     readings,
			LastUpdate:   last,
			ReadingCount: len(readings),
			Status:       LiveStatus(minutesSince(now, last)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUpdate.After(out[j].LastUpdate) })
	return out
}

func allowsNegative(parameter string) bool {
	p := strings.ToLower(parameter)
	for _, kw := range signedParameters {
		if strings.Contains(p, kw) {
			return true
		}
	}
	return false
}

// ReadingQuality 从 100 起：不应为负的参数出现负值 -30；超过 5 分钟按 2 分/分钟扣除（最多 50）
func ReadingQuality(value float64, parameter string, ageMinutes float64) float64 {
	score := 100.0
	if value < 0 && !allowsNegative(parameter) {
		score -= 30
	}
	if ageMinutes > 5 {
		score -= math.Min(50, ageMinutes*2)
	}
	return math.Max(0, widget.Round(score, 1))
}

// ReadingTrend 相对上一条读数变化超过 ±5%
func ReadingTrend(current float64, previous *float64) string {
	if previous == nil || *previous == 0 {
		return "stable"
	}
	change := (current - *previous) / math.Abs(*previous) * 100
	switch {
	case change > 5:
		return "up"
	case change < -5:
		return "down"
	default:
		return "stable"
	}
}

func LiveStatus(ageMinutes float64) string {
	switch {
	case ageMinutes <= 2:
		return "live"
	case ageMinutes <= 5:
		return "recent"
	case ageMinutes <= 15:
		return "delayed"
	default:
		return "stale"
	}
}

func parameterSummaries(hour []domain.Reading) []ParameterSummary {
	type acc struct {
		unit    string
		values  []float64
		devices map[int64]struct{}
	}
	groups := map[string]*acc{}
	for _, r := range hour {
		g, ok := groups[r.ParameterName]
		if !ok {
			g = &acc{unit: r.Unit, devices: map[int64]struct{}{}}
			groups[r.ParameterName] = g
		}
		g.values = append(g.values, r.Value)
		g.devices[r.DeviceID] = struct{}{}
	}
	out := make([]ParameterSummary, 0, len(groups))
	for name, g := range groups {
		lo, hi := widget.MinMax(g.values)
		out = append(out, ParameterSummary{
			ParameterName: name,
			Unit:          g.unit,
			Average:       widget.Round(widget.Mean(g.values), 2),
			Min:           widget.Round(lo, 2),
			Max:           widget.Round(hi, 2),
			StdDev:        widget.Round(widget.StdDev(g.values), 2),
			Range:         widget.Round(hi-lo, 2),
			Count:         len(g.values),
			DeviceCount:   len(g.devices),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ParameterName < out[j].ParameterName
	})
	return out
}

// DataQuality 0.3 完整性 + 0.3 准确性 + 0.2 及时性 + 0.2 一致性；hour 按时间升序
func DataQuality(deviceCount int, hour []domain.Reading, now time.Time) DataQualityMetrics {
	if len(hour) == 0 || deviceCount == 0 {
		return DataQualityMetrics{}
	}
	reporting := map[int64]struct{}{}
	valid, timely := 0, 0
	lastSeen := map[int64]time.Time{}
	var intervals []float64
	for _, r := range hour {
		reporting[r.DeviceID] = struct{}{}
		if r.Value >= 0 || allowsNegative(r.ParameterName) {
			valid++
		}
		if now.Sub(r.Timestamp) <= 10*time.Minute {
			timely++
		}
		if prev, ok := lastSeen[r.DeviceID]; ok && r.Timestamp.After(prev) {
			intervals = append(intervals, r.Timestamp.Sub(prev).Seconds())
		}
		lastSeen[r.DeviceID] = r.Timestamp
	}

	completeness := widget.Percent(float64(len(reporting)), float64(deviceCount))
	accuracy := widget.Percent(float64(valid), float64(len(hour)))
	timeliness := widget.Percent(float64(timely), float64(len(hour)))
	consistency := 100.0
	if len(intervals) >= 2 {
		consistency = math.Max(0, 100-math.Min(100, widget.CoefficientOfVariation(intervals)))
	}
	overall := completeness*0.3 + accuracy*0.3 + timeliness*0.2 + consistency*0.2
	return DataQualityMetrics{
		OverallScore: widget.Round(overall, 1),
		Completeness: widget.Round(completeness, 1),
		Accuracy:     widget.Round(accuracy, 1),
		Timeliness:   widget.Round(timeliness, 1),
		Consistency:  widget.Round(consistency, 1),
	}
}

func readingStatistics(hour []domain.Reading) ReadingStatistics {
	devices := map[int64]struct{}{}
	params := map[string]struct{}{}
	for _, r := range hour {
		devices[r.DeviceID] = struct{}{}
		params[r.ParameterName] = struct{}{}
	}
	return ReadingStatistics{
		TotalReadings:     len(hour),
		ReportingDevices:  len(devices),
		Parameters:        len(params),
		ReadingsPerMinute: widget.Round(float64(len(hour))/60, 2),
	}
}
