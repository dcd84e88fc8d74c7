package global

import (
	"context"
	"sort"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/widget"
)

const (
	defaultTopLimit    = 10
	maxTopLimit        = 50
	defaultTimeRange   = "24h"
	DefaultCostPerKWh  = 0.12
	minPatternReadings = 10
)

// rangeHours 时间范围对应的小时数
var rangeHours = map[string]int{
	"1h":  1,
	"6h":  6,
	"12h": 12,
	"24h": 24,
	"7d":  168,
	"30d": 720,
}

// RangeHours 未知或空范围按 24h 处理
func RangeHours(timeRange string) int {
	if h, ok := rangeHours[timeRange]; ok {
		return h
	}
	return rangeHours[defaultTimeRange]
}

type Consumption struct {
	CurrentKW    float64 `json:"current_kw"`
	AverageKW    float64 `json:"average_kw"`
	PeakKW       float64 `json:"peak_kw"`
	TotalKWh     float64 `json:"total_kwh"`
	ReadingCount int     `json:"reading_count"`
	Pattern      string  `json:"consumption_pattern"`
}

type Efficiency struct {
	Score           float64 `json:"efficiency_score"`
	LoadFactor      float64 `json:"load_factor"`
	UtilizationRate float64 `json:"utilization_rate"`
	Rating          string  `json:"rating"`
	Trend           string  `json:"efficiency_trend"`
}

type ConsumptionShare struct {
	ShareOfTotal  float64 `json:"share_of_total"`
	VersusAverage float64 `json:"versus_average"`
	AboveAverage  bool    `json:"above_average"`
}

// RankedGateway 单个网关的能耗排名项
type RankedGateway struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name"`
	Location         string            `json:"location,omitempty"`
	Consumption      Consumption       `json:"consumption"`
	Efficiency       Efficiency        `json:"efficiency"`
	DeviceCount      int               `json:"device_count"`
	ActiveDevices    int               `json:"active_devices"`
	CostEstimate     float64           `json:"cost_estimate"`
	PerformanceScore float64           `json:"performance_score"`
	Comparison       *ConsumptionShare `json:"comparison,omitempty"`
}

type GatewayRef struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type ConsumptionSummary struct {
	TotalGateways     int         `json:"total_gateways"`
	TotalConsumption  float64     `json:"total_consumption"`
	TotalCost         float64     `json:"total_cost"`
	AveragePerGateway float64     `json:"average_consumption_per_gateway"`
	Highest           *GatewayRef `json:"highest_consumer"`
	Lowest            *GatewayRef `json:"lowest_consumer"`
	MostEfficient     *GatewayRef `json:"most_efficient"`
}

type GatewayTrend struct {
	GatewayID   int64              `json:"gateway_id"`
	GatewayName string             `json:"gateway_name"`
	Data        []EnergyTrendPoint `json:"data"`
}

// TopConsumingData top-consuming-gateways 数据
type TopConsumingData struct {
	TimeRange              string             `json:"time_range"`
	CostPerKWh             float64            `json:"cost_per_kwh"`
	TopGateways            []RankedGateway    `json:"top_gateways"`
	EfficiencyDistribution map[string]int     `json:"efficiency_distribution"`
	ConsumptionTrends      []GatewayTrend     `json:"consumption_trends"`
	Summary                ConsumptionSummary `json:"summary_statistics"`
}

// TopConsumingGateways 能耗排名
type TopConsumingGateways struct {
	Deps
}

func NewTopConsumingGateways(deps Deps) *TopConsumingGateways {
	return &TopConsumingGateways{Deps: deps}
}

func (w *TopConsumingGateways) Meta() widget.Meta {
	return widget.Meta{
		Type:             domain.WidgetTopConsumingGateways,
		Name:             "Top Consuming Gateways",
		Description:      "Gateways ranked by energy consumption with efficiency metrics",
		Category:         "energy",
		Priority:         30,
		SupportsRealtime: true,
		RealtimeInterval: 300,
	}
}

func (w *TopConsumingGateways) Authorize(ctx context.Context, user *domain.User, cfg widget.Config) (bool, error) {
	return w.authorize(ctx, user, domain.WidgetTopConsumingGateways, cfg)
}

// ValidateConfig 只接受已知时间范围
func (w *TopConsumingGateways) ValidateConfig(cfg widget.Config) error {
	if cfg.TimeRange == "" {
		return nil
	}
	if _, ok := rangeHours[cfg.TimeRange]; !ok {
		return failure.Newf(failure.KindValidation, "widget.top-consuming-gateways", "unsupported time_range %q", cfg.TimeRange)
	}
	return nil
}

func (w *TopConsumingGateways) Fallback() TopConsumingData {
	return TopConsumingData{
		TimeRange:              defaultTimeRange,
		CostPerKWh:             DefaultCostPerKWh,
		TopGateways:            []RankedGateway{},
		EfficiencyDistribution: emptyDistribution(),
		ConsumptionTrends:      []GatewayTrend{},
	}
}

func emptyDistribution() map[string]int {
	return map[string]int{"excellent": 0, "good": 0, "fair": 0, "poor": 0}
}

func (w *TopConsumingGateways) Data(ctx context.Context, req widget.Request) (TopConsumingData, error) {
	cfg := req.Config
	out := w.Fallback()
	if cfg.TimeRange != "" {
		out.TimeRange = cfg.TimeRange
	}
	if cfg.CostPerKWh > 0 {
		out.CostPerKWh = cfg.CostPerKWh
	}
	limit := defaultTopLimit
	if cfg.Limit > 0 {
		limit = widget.ClampInt(cfg.Limit, 1, maxTopLimit)
	}

	s, err := w.loadScope(ctx, req.User)
	if err != nil {
		return out, err
	}
	if len(s.gateways) == 0 {
		return out, nil
	}

	now := req.Now
	hours := RangeHours(out.TimeRange)
	window := time.Duration(hours) * time.Hour
	start := now.Add(-window)
	prevStart := start.Add(-window)

	// 当前窗口与上一等长窗口一次取回
	power, err := w.Repos.Readings.ListReadings(ctx, repository.ReadingFilter{
		DeviceIDs:     s.deviceIDs,
		Since:         prevStart,
		Until:         now,
		ParameterLike: "power",
	})
	if err != nil {
		return out, err
	}
	latest, err := w.Repos.Readings.LatestReadingTimes(ctx, s.deviceIDs)
	if err != nil {
		return out, err
	}

	current := map[int64][]domain.Reading{}
	previous := map[int64][]domain.Reading{}
	for _, r := range power {
		gid := s.gatewayOf(r.DeviceID)
		if r.Timestamp.Before(start) {
			previous[gid] = append(previous[gid], r)
		} else {
			current[gid] = append(current[gid], r)
		}
	}

	ranked := make([]RankedGateway, 0, len(s.gateways))
	for _, g := range s.gateways {
		devices := s.byGateway[g.ID]
		active := 0
		for _, d := range devices {
			if isActive(latest, d.ID, now, 10*time.Minute) {
				active++
			}
		}
		cons := ConsumptionOf(current[g.ID], hours, now)
		eff := EfficiencyOf(cons, active, len(devices))
		eff.Trend = TrendOf(cons.TotalKWh, ConsumptionOf(previous[g.ID], hours, start).TotalKWh, len(current[g.ID]) > 0)

		ranked = append(ranked, RankedGateway{
			ID:               g.ID,
			Name:             g.Name,
			Location:         g.GNSSLocation,
			Consumption:      cons,
			Efficiency:       eff,
			DeviceCount:      len(devices),
			ActiveDevices:    active,
			CostEstimate:     widget.Round(cons.TotalKWh*out.CostPerKWh, 2),
			PerformanceScore: PerformanceScore(eff.Score, cons.Pattern),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Consumption.TotalKWh > ranked[j].Consumption.TotalKWh
	})

	if len(ranked) >= 2 {
		addComparison(ranked)
	}
	for _, r := range ranked {
		out.EfficiencyDistribution[r.Efficiency.Rating]++
	}
	out.Summary = summarize(ranked, out.CostPerKWh)

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out.TopGateways = ranked

	dayAgo := now.Add(-24 * time.Hour)
	for _, r := range ranked {
		out.ConsumptionTrends = append(out.ConsumptionTrends, GatewayTrend{
			GatewayID:   r.ID,
			GatewayName: r.Name,
			Data:        hourlyTrend(since(current[r.ID], dayAgo), now),
		})
	}
	return out, nil
}

// ConsumptionOf 窗口内功率统计；total_kwh = 平均功率 × 窗口小时数
func ConsumptionOf(readings []domain.Reading, hours int, end time.Time) Consumption {
	if len(readings) == 0 {
		return Consumption{Pattern: "no_data"}
	}
	vals := values(readings)
	avg := widget.Mean(vals)
	_, peak := widget.MinMax(vals)

	recent := []float64{}
	for _, r := range readings {
		if !r.Timestamp.Before(end.Add(-5*time.Minute)) && !r.Timestamp.After(end) {
			recent = append(recent, r.Value)
		}
	}
	return Consumption{
		CurrentKW:    widget.Round(widget.Mean(recent), 2),
		AverageKW:    widget.Round(avg, 2),
		PeakKW:       widget.Round(peak, 2),
		TotalKWh:     widget.Round(avg*float64(hours), 2),
		ReadingCount: len(readings),
		Pattern:      ConsumptionPattern(vals),
	}
}

// ConsumptionPattern 按变异系数划分负荷形态
func ConsumptionPattern(vals []float64) string {
	switch {
	case len(vals) == 0:
		return "no_data"
	case len(vals) < minPatternReadings:
		return "insufficient_data"
	}
	cv := widget.CoefficientOfVariation(vals)
	switch {
	case cv < 10:
		return "stable"
	case cv < 25:
		return "variable"
	default:
		return "highly_variable"
	}
}

// EfficiencyOf 效率分 = 0.6×负荷率 + 0.4×设备利用率
func EfficiencyOf(c Consumption, activeDevices, totalDevices int) Efficiency {
	if c.ReadingCount == 0 {
		return Efficiency{Rating: EfficiencyRating(0), Trend: "no_data"}
	}
	loadFactor := 0.0
	if c.PeakKW > 0 {
		loadFactor = c.AverageKW / c.PeakKW * 100
	}
	utilization := widget.Percent(float64(activeDevices), float64(totalDevices))
	score := widget.Round(loadFactor*0.6+utilization*0.4, 1)
	return Efficiency{
		Score:           score,
		LoadFactor:      widget.Round(loadFactor, 1),
		UtilizationRate: widget.Round(utilization, 1),
		Rating:          EfficiencyRating(score),
		Trend:           "stable",
	}
}

func EfficiencyRating(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 70:
		return "good"
	case score >= 50:
		return "fair"
	default:
		return "poor"
	}
}

// TrendOf 与上一窗口相比 ±5% 以内为 stable
func TrendOf(current, previous float64, hasData bool) string {
	if !hasData {
		return "no_data"
	}
	if previous == 0 {
		return "stable"
	}
	change := (current - previous) / previous * 100
	switch {
	case change > 5:
		return "increasing"
	case change < -5:
		return "decreasing"
	default:
		return "stable"
	}
}

// PerformanceScore 0.7×效率 + 0.3×稳定性
func PerformanceScore(efficiency float64, pattern string) float64 {
	stability := 50.0
	switch pattern {
	case "stable":
		stability = 100
	case "variable":
		stability = 70
	}
	return widget.Round(efficiency*0.7+stability*0.3, 1)
}

func addComparison(ranked []RankedGateway) {
	total := 0.0
	for _, r := range ranked {
		total += r.Consumption.TotalKWh
	}
	avg := total / float64(len(ranked))
	for i := range ranked {
		kwh := ranked[i].Consumption.TotalKWh
		share := &ConsumptionShare{
			ShareOfTotal: widget.Round(widget.Percent(kwh, total), 1),
			AboveAverage: kwh > avg,
		}
		if avg > 0 {
			share.VersusAverage = widget.Round((kwh-avg)/avg*100, 1)
		}
		ranked[i].Comparison = share
	}
}

func summarize(ranked []RankedGateway, cost float64) ConsumptionSummary {
	sum := ConsumptionSummary{TotalGateways: len(ranked)}
	if len(ranked) == 0 {
		return sum
	}
	total := 0.0
	var efficient *RankedGateway
	for i := range ranked {
		r := &ranked[i]
		total += r.Consumption.TotalKWh
		if efficient == nil || r.Efficiency.Score > efficient.Efficiency.Score {
			efficient = r
		}
	}
	// ranked 已按 total_kwh 降序
	first, last := ranked[0], ranked[len(ranked)-1]
	sum.TotalConsumption = widget.Round(total, 2)
	sum.TotalCost = widget.Round(total*cost, 2)
	sum.AveragePerGateway = widget.Round(total/float64(len(ranked)), 2)
	sum.Highest = &GatewayRef{ID: first.ID, Name: first.Name, Value: first.Consumption.TotalKWh}
	sum.Lowest = &GatewayRef{ID: last.ID, Name: last.Name, Value: last.Consumption.TotalKWh}
	sum.MostEfficient = &GatewayRef{ID: efficient.ID, Name: efficient.Name, Value: efficient.Efficiency.Score}
	return sum
}
