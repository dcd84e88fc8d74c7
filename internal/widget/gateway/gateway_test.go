package gateway_test

import (
	"context"
	"testing"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/store"
	"energy-monitor/internal/widget"
	"energy-monitor/internal/widget/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

type env struct {
	repo  *repository.MemoryRepository
	deps  gateway.Deps
	base  *widget.Base
	admin *domain.User
	op    *domain.User

	gw, other    domain.Gateway
	meter, probe domain.Device
	power, temp  domain.Register
	probeTemp    domain.Register
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{repo: repository.NewMemoryRepository()}
	admin := e.repo.AddUser(domain.User{Name: "Admin", Role: domain.RoleAdmin})
	op := e.repo.AddUser(domain.User{Name: "Operator", Role: domain.RoleOperator})
	e.admin, e.op = &admin, &op

	e.gw = e.repo.AddGateway(domain.Gateway{Name: "Plant A", FixedIP: "10.0.0.1", GatewayType: domain.GatewayTypeRUT956})
	e.other = e.repo.AddGateway(domain.Gateway{Name: "Plant B"})
	e.meter = e.repo.AddDevice(domain.Device{GatewayID: e.gw.ID, Name: "Energy Meter A", SlaveID: 1})
	e.probe = e.repo.AddDevice(domain.Device{GatewayID: e.gw.ID, Name: "Temp Sensor B", SlaveID: 2})
	e.power = e.repo.AddRegister(domain.Register{DeviceID: e.meter.ID, ParameterName: "Active Power", Unit: "kW"})
	e.temp = e.repo.AddRegister(domain.Register{DeviceID: e.meter.ID, ParameterName: "Temperature", Unit: "C"})
	e.probeTemp = e.repo.AddRegister(domain.Register{DeviceID: e.probe.ID, ParameterName: "Temperature", Unit: "C"})

	// operator 只分配了电表
	e.repo.AssignDevice(op.ID, e.meter.ID)

	e.deps = gateway.Deps{
		Resolver: permission.NewResolver(e.repo.Set(), store.NewMemoryKV(), time.Minute, zap.NewNop()),
		Repos:    e.repo.Set(),
	}
	e.base = widget.NewBase(nil, 0, zap.NewNop(), widget.WithClock(func() time.Time { return testNow }))
	return e
}

func (e *env) reading(reg domain.Register, value float64, ago time.Duration) {
	e.repo.AddReading(domain.Reading{DeviceID: reg.DeviceID, RegisterID: reg.ID, Value: value, Timestamp: testNow.Add(-ago)})
}

func (e *env) cfg() widget.Config {
	id := e.gw.ID
	return widget.Config{GatewayID: &id}
}

func render[T any](t *testing.T, e *env, w widget.Widget[T], user *domain.User) T {
	t.Helper()
	inst, err := widget.New[T](e.base, w, user, e.cfg())
	require.NoError(t, err)
	env := inst.Render(context.Background())
	require.Equal(t, widget.StatusSuccess, env.Status, env.Metadata.Message)
	require.NotNil(t, env.Data)
	return *env.Data
}

func TestGatewayWidgets_RequireGatewayID(t *testing.T) {
	e := newEnv(t)
	_, err := widget.New[gateway.GatewayStatsData](e.base, gateway.NewStats(e.deps), e.admin, widget.Config{})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindValidation))
}

func TestGatewayWidgets_UnassignedGatewayUnauthorized(t *testing.T) {
	e := newEnv(t)
	id := e.other.ID
	inst, err := widget.New[gateway.DeviceListData](e.base, gateway.NewDeviceList(e.deps), e.op, widget.Config{GatewayID: &id})
	require.NoError(t, err)
	env := inst.Render(context.Background())
	assert.Equal(t, widget.StatusUnauthorized, env.Status)
	assert.Nil(t, env.Data)
}

func TestStats_CommunicationAndHealth(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 12; i++ {
		e.reading(e.power, 4, time.Duration(i)*5*time.Minute)
	}
	e.reading(e.probeTemp, 21, 45*time.Minute)
	e.repo.AddAlert(domain.Alert{DeviceID: e.meter.ID, Severity: domain.SeverityWarning, Timestamp: testNow.Add(-time.Hour)})

	d := render[gateway.GatewayStatsData](t, e, gateway.NewStats(e.deps), e.admin)

	assert.Equal(t, "Plant A", d.GatewayInfo.Name)
	assert.Equal(t, "online", d.GatewayInfo.Status)
	assert.Equal(t, 2, d.GatewayInfo.DeviceCount)
	assert.Equal(t, 100.0, d.GatewayInfo.Uptime)

	c := d.CommunicationStatus
	assert.Equal(t, 24, c.ExpectedReadings)
	assert.Equal(t, 13, c.SuccessfulReadings)
	assert.Equal(t, 50.0, c.DistributionScore)
	assert.Equal(t, 52.5, c.ConnectionQuality)
	assert.Equal(t, "fair", c.OverallStatus)
	require.Len(t, c.Errors, 1)
	assert.Equal(t, "stale_data", c.Errors[0].Type)

	h := d.DeviceHealth
	assert.Equal(t, 1, h.HealthDistribution["healthy"])
	assert.Equal(t, 1, h.HealthDistribution["warning"])
	assert.Equal(t, 82.5, h.AverageHealthScore)

	assert.Equal(t, 13, d.PerformanceMetrics.PeakReadingRate)
	assert.Equal(t, 1, d.OperationalStatistics.ActiveAlerts)
	require.Len(t, d.HistoricalTrends.DailyTrends, 7)
	assert.Equal(t, 13, d.HistoricalTrends.DailyTrends[6].ReadingCount)
	assert.Equal(t, "increasing", d.HistoricalTrends.TrendAnalysis["reading_trend"].Direction)
}

func TestStats_Helpers(t *testing.T) {
	now := testNow
	at := func(m int) *time.Time {
		ts := now.Add(-time.Duration(m) * time.Minute)
		return &ts
	}

	assert.Equal(t, "online", gateway.GatewayStatus(at(5), now))
	assert.Equal(t, "warning", gateway.GatewayStatus(at(15), now))
	assert.Equal(t, "offline", gateway.GatewayStatus(at(16), now))
	assert.Equal(t, "offline", gateway.GatewayStatus(nil, now))

	assert.Equal(t, "excellent", gateway.OverallCommunicationStatus(95, 85, at(1), now))
	assert.Equal(t, "good", gateway.OverallCommunicationStatus(80, 60, at(1), now))
	assert.Equal(t, "poor", gateway.OverallCommunicationStatus(10, 10, at(1), now))
	assert.Equal(t, "offline", gateway.OverallCommunicationStatus(100, 100, at(20), now))

	assert.Equal(t, 0.0, gateway.DeviceHealthScore(nil, nil, now))
	alerts := []domain.Alert{{Severity: domain.SeverityCritical}, {Severity: domain.SeverityInfo}}
	assert.Equal(t, 25.0, gateway.DeviceHealthScore(at(90), alerts, now))
	assert.Equal(t, "offline", gateway.DeviceHealthStatus(25))
	assert.Equal(t, "critical", gateway.DeviceHealthStatus(30))

	assert.InDelta(t, 0.8, gateway.BandwidthUtilization(360), 0.001)
	assert.Equal(t, "decreasing", gateway.AnalyzeTrend([]float64{10, 10, 5, 5}).Direction)
	assert.Equal(t, "stable", gateway.AnalyzeTrend([]float64{10, 10, 10.5, 10.5}).Direction)
}

func TestAlerts_PriorityEscalationAndSummary(t *testing.T) {
	e := newEnv(t)
	crit := e.repo.AddAlert(domain.Alert{DeviceID: e.meter.ID, ParameterName: "Voltage L1", Severity: domain.SeverityCritical, Timestamp: testNow.Add(-150 * time.Minute)})
	e.repo.AddAlert(domain.Alert{DeviceID: e.probe.ID, ParameterName: "Active Power", Severity: domain.SeverityWarning, Timestamp: testNow.Add(-30 * time.Minute)})
	resolvedAt := testNow.Add(-90 * time.Minute)
	e.repo.AddAlert(domain.Alert{DeviceID: e.probe.ID, ParameterName: "Temperature", Severity: domain.SeverityInfo, Timestamp: testNow.Add(-2 * time.Hour),
		Resolved: true, ResolvedAt: &resolvedAt})

	d := render[gateway.GatewayAlertsData](t, e, gateway.NewAlerts(e.deps), e.admin)

	require.Len(t, d.ActiveAlerts, 2)
	first := d.ActiveAlerts[0]
	assert.Equal(t, crit.ID, first.ID)
	assert.Equal(t, 135, first.PriorityScore)
	assert.Equal(t, "high", first.EscalationLevel)
	assert.Equal(t, "2h ago", first.AgeFormatted)
	assert.Equal(t, "Check electrical connections", first.RecommendedAction)
	assert.Equal(t, "none", d.ActiveAlerts[1].EscalationLevel)
	assert.Equal(t, "Review power consumption patterns", d.ActiveAlerts[1].RecommendedAction)

	require.NotNil(t, d.AlertSummary.MostCriticalDevice)
	assert.Equal(t, e.meter.ID, d.AlertSummary.MostCriticalDevice.DeviceID)
	assert.Len(t, d.RecentAlerts, 3)

	require.Len(t, d.DeviceAlertStatus, 2)
	assert.Equal(t, e.meter.ID, d.DeviceAlertStatus[0].DeviceID)
	assert.NotNil(t, d.DeviceAlertStatus[1].LastResolvedAt)

	assert.InDelta(t, 33.3, d.AlertStatistics.ResolutionRate, 0.01)
	assert.Equal(t, 30.0, d.AlertStatistics.AverageResolutionMinutes)
	require.Len(t, d.AlertTrends.Daily, 7)
	assert.Equal(t, 3, d.AlertTrends.Daily[6].Total)
	require.NotEmpty(t, d.AlertTrends.ByParameter)
}

func TestAlerts_Helpers(t *testing.T) {
	assert.Equal(t, 75, gateway.PriorityScore(domain.SeverityWarning, "Pressure", 30))
	assert.Equal(t, 10+50, gateway.PriorityScore(domain.SeverityInfo, "x", 6000))
	assert.Equal(t, "medium", gateway.EscalationLevel(domain.SeverityCritical, 61))
	assert.Equal(t, "none", gateway.EscalationLevel(domain.SeverityCritical, 60))
	assert.Equal(t, "medium", gateway.EscalationLevel(domain.SeverityWarning, 241))
	assert.Equal(t, "none", gateway.EscalationLevel(domain.SeverityInfo, 10000))
	assert.Equal(t, "Investigate immediately", gateway.RecommendedAction(domain.SeverityCritical, "Flow"))
	assert.Equal(t, "Monitor temperature trends", gateway.RecommendedAction(domain.SeverityWarning, "Oil Temperature"))
}

func TestDeviceList_OrderingAndConnectivity(t *testing.T) {
	e := newEnv(t)
	e.reading(e.power, 4, 0)
	e.reading(e.probeTemp, 21, 45*time.Minute)
	e.repo.AddAlert(domain.Alert{DeviceID: e.probe.ID, Severity: domain.SeverityCritical, Timestamp: testNow.Add(-time.Hour)})

	d := render[gateway.DeviceListData](t, e, gateway.NewDeviceList(e.deps), e.admin)

	require.Len(t, d.Devices, 2)
	assert.Equal(t, e.probe.ID, d.Devices[0].ID)
	assert.Equal(t, gateway.DeviceOffline, d.Devices[0].Status)
	assert.Equal(t, domain.DeviceTypeSensor, d.Devices[0].DeviceType)
	assert.Equal(t, gateway.DeviceOnline, d.Devices[1].Status)
	require.NotNil(t, d.Devices[1].LastReading)
	assert.Equal(t, "Active Power", d.Devices[1].LastReading.ParameterName)

	assert.Equal(t, gateway.DeviceSummary{Total: 2, Online: 1, Warning: 0, Offline: 1, WithAlerts: 1}, d.Summary)
	assert.Equal(t, 50.0, d.Connectivity.ConnectedPercent)
	assert.Equal(t, "warning", d.Connectivity.Status)
	require.Len(t, d.Connectivity.Issues, 1)
	assert.Equal(t, 45, d.Connectivity.Issues[0].MinutesSilent)
	assert.Len(t, d.DeviceTypes, 2)
}

func TestDeviceList_OperatorScopedToAssignedDevice(t *testing.T) {
	e := newEnv(t)
	d := render[gateway.DeviceListData](t, e, gateway.NewDeviceList(e.deps), e.op)
	require.Len(t, d.Devices, 1)
	assert.Equal(t, e.meter.ID, d.Devices[0].ID)
}

func TestDeviceList_ConfigDeviceIDsNarrowScope(t *testing.T) {
	e := newEnv(t)
	id := e.gw.ID
	ctx := context.Background()

	inst, err := widget.New[gateway.DeviceListData](e.base, gateway.NewDeviceList(e.deps), e.admin,
		widget.Config{GatewayID: &id, DeviceIDs: []int64{e.meter.ID}})
	require.NoError(t, err)
	env := inst.Render(ctx)
	require.Equal(t, widget.StatusSuccess, env.Status)
	require.Len(t, env.Data.Devices, 1)
	assert.Equal(t, e.meter.ID, env.Data.Devices[0].ID)
	assert.Equal(t, 1, env.Data.Summary.Total)

	// 配置不能扩大操作员的可见范围
	inst, err = widget.New[gateway.DeviceListData](e.base, gateway.NewDeviceList(e.deps), e.op,
		widget.Config{GatewayID: &id, DeviceIDs: []int64{e.probe.ID}})
	require.NoError(t, err)
	env = inst.Render(ctx)
	require.Equal(t, widget.StatusSuccess, env.Status)
	assert.Empty(t, env.Data.Devices)
}

func TestSortDevices(t *testing.T) {
	devices := []gateway.DeviceItem{
		{Name: "b", Status: gateway.DeviceOnline},
		{Name: "a", Status: gateway.DeviceOnline},
		{Name: "z", Status: gateway.DeviceOffline},
		{Name: "y", Status: gateway.DeviceWarning, Alerts: gateway.AlertCounts{Critical: 1}},
	}
	gateway.SortDevices(devices)
	names := []string{}
	for _, d := range devices {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"y", "z", "a", "b"}, names)
}

func TestRealTimeReadings_LiveQualityAndTrend(t *testing.T) {
	e := newEnv(t)
	e.reading(e.power, 100, 10*time.Minute)
	e.reading(e.power, 110, 2*time.Minute)
	e.reading(e.temp, -5, time.Minute)

	d := render[gateway.RealTimeReadingsData](t, e, gateway.NewRealTimeReadings(e.deps), e.admin)

	require.Len(t, d.LiveReadings, 1)
	live := d.LiveReadings[0]
	assert.Equal(t, e.meter.ID, live.DeviceID)
	assert.Equal(t, "live", live.Status)
	require.Len(t, live.Readings, 2)
	assert.Equal(t, "Temperature", live.Readings[0].ParameterName)
	assert.Equal(t, 70.0, live.Readings[0].QualityScore)
	assert.Equal(t, "Active Power", live.Readings[1].ParameterName)
	assert.Equal(t, "up", live.Readings[1].Trend)
	assert.Equal(t, 100.0, live.Readings[1].QualityScore)

	require.Len(t, d.ParameterSummaries, 2)
	assert.Equal(t, "Active Power", d.ParameterSummaries[0].ParameterName)
	assert.Equal(t, 105.0, d.ParameterSummaries[0].Average)
	assert.Equal(t, 10.0, d.ParameterSummaries[0].Range)

	assert.Equal(t, 50.0, d.DataQuality.Completeness)
	assert.Equal(t, 66.7, d.DataQuality.Accuracy)
	assert.Equal(t, 100.0, d.DataQuality.Timeliness)
	assert.Equal(t, 3, d.Statistics.TotalReadings)
	assert.Equal(t, 2, d.Statistics.Parameters)
}

func TestReadingHelpers(t *testing.T) {
	assert.Equal(t, 100.0, gateway.ReadingQuality(-3, "Reactive Power", 1))
	assert.Equal(t, 80.0, gateway.ReadingQuality(1, "Voltage", 10))
	assert.Equal(t, 20.0, gateway.ReadingQuality(-1, "Voltage", 60))

	prev := 100.0
	assert.Equal(t, "down", gateway.ReadingTrend(90, &prev))
	assert.Equal(t, "stable", gateway.ReadingTrend(104, &prev))
	assert.Equal(t, "stable", gateway.ReadingTrend(5, nil))

	assert.Equal(t, "recent", gateway.LiveStatus(4))
	assert.Equal(t, "delayed", gateway.LiveStatus(15))
	assert.Equal(t, "stale", gateway.LiveStatus(16))
}
