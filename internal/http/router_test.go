package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"energy-monitor/internal/consumer"
	"energy-monitor/internal/dashboard"
	"energy-monitor/internal/domain"
	httpapi "energy-monitor/internal/http"
	"energy-monitor/internal/ingest"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/report"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/rtu"
	"energy-monitor/internal/store"
	"energy-monitor/internal/widget"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

type stubCollector struct{}

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func (stubCollector) SystemInfo(context.Context, *domain.Gateway) (*rtu.SystemSample, error) {
	return &rtu.SystemSample{CPULoad: fp(20), MemoryUsage: fp(30), UptimeHours: ip(48)}, nil
}

func (stubCollector) NetworkInfo(context.Context, *domain.Gateway) (*rtu.NetworkSample, error) {
	return &rtu.NetworkSample{RSSI: ip(-70)}, nil
}

func (stubCollector) IOInfo(context.Context, *domain.Gateway) (*rtu.IOSample, error) {
	return &rtu.IOSample{AnalogVoltage: fp(5)}, nil
}

func (stubCollector) SetOutput(context.Context, *domain.Gateway, string, bool) error { return nil }

type recordingPublisher struct {
	events []consumer.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e consumer.Event) error {
	p.events = append(p.events, e)
	return nil
}

type apiEnv struct {
	repo     *repository.MemoryRepository
	kv       *store.MemoryKV
	server   *httptest.Server
	events   *recordingPublisher
	admin    domain.User
	operator domain.User
	gw       domain.Gateway
	other    domain.Gateway
	device   domain.Device
	alert    domain.Alert
	hidden   domain.Alert
}

func setup(t *testing.T) *apiEnv {
	t.Helper()
	clock := func() time.Time { return testNow }
	repo := repository.NewMemoryRepository()
	e := &apiEnv{repo: repo, events: &recordingPublisher{}}
	e.admin = repo.AddUser(domain.User{Name: "Admin", Role: domain.RoleAdmin, EmailNotifications: true})
	e.operator = repo.AddUser(domain.User{Name: "Operator", Role: domain.RoleOperator})
	e.gw = repo.AddGateway(domain.Gateway{Name: "Router A", GatewayType: domain.GatewayTypeRUT956, FixedIP: "10.0.0.1"})
	e.other = repo.AddGateway(domain.Gateway{Name: "Plant B"})
	e.device = repo.AddDevice(domain.Device{GatewayID: e.gw.ID, Name: "Energy Meter 1"})
	otherDevice := repo.AddDevice(domain.Device{GatewayID: e.other.ID, Name: "Energy Meter 2"})
	reg := repo.AddRegister(domain.Register{DeviceID: e.device.ID, ParameterName: "Voltage", Unit: "V", NormalRange: "200-240", Critical: true})
	repo.AddReading(domain.Reading{DeviceID: e.device.ID, RegisterID: reg.ID, Value: 230, Timestamp: testNow.Add(-time.Minute)})
	e.alert = repo.AddAlert(domain.Alert{DeviceID: e.device.ID, ParameterName: "rssi", Severity: domain.SeverityWarning, Message: "weak signal", Timestamp: testNow.Add(-time.Hour)})
	e.hidden = repo.AddAlert(domain.Alert{DeviceID: otherDevice.ID, ParameterName: "Voltage", Severity: domain.SeverityCritical, Timestamp: testNow.Add(-time.Hour)})
	repo.AssignGateway(e.operator.ID, e.gw.ID)

	e.kv = store.NewMemoryKV().WithClock(clock)
	repos := repo.Set()
	resolver := permission.NewResolver(repos, e.kv, time.Minute, zap.NewNop())
	base := widget.NewBase(e.kv, time.Minute, zap.NewNop(), widget.WithClock(clock))
	factory := dashboard.NewFactory(base, resolver, repos, zap.NewNop())
	cache := rtu.NewCache(e.kv, zap.NewNop())
	data := rtu.NewDataService(repos, stubCollector{}, cache, rtu.NewFallbackCache(e.kv, 0, zap.NewNop()).WithClock(clock),
		rtu.ControlLimit{Every: time.Second, Burst: 1}, zap.NewNop()).WithClock(clock)

	h := httpapi.NewHandler(httpapi.Deps{
		Repos:     repos,
		Resolver:  resolver,
		Factory:   factory,
		Dashboard: dashboard.NewService(factory, resolver, zap.NewNop()),
		RTU:       data,
		Alerts:    rtu.NewAlertService(repos.Devices, repos.Alerts, cache, zap.NewNop()).WithClock(clock),
		Ingestor:  ingest.NewIngestor(repos, zap.NewNop()),
		Events:    e.events,
	}, zap.NewNop()).WithClock(clock)

	e.server = httptest.NewServer(httpapi.NewRouter(h))
	t.Cleanup(e.server.Close)
	return e
}

type envelope struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (e *apiEnv) do(t *testing.T, method, path string, user *domain.User, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if user != nil {
		req.Header.Set("X-User-Id", strconv.FormatInt(user.ID, 10))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode(t *testing.T, raw []byte, out any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Result, out))
	}
	return env
}

func gatewayPath(id int64, suffix string) string {
	return "/api/rtu/gateways/" + strconv.FormatInt(id, 10) + suffix
}

func TestHealth_NoUserRequired(t *testing.T) {
	e := setup(t)
	resp, body := e.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, httpapi.ResultSuccess, decode(t, body, nil).Code)
}

func TestAuthenticate(t *testing.T) {
	e := setup(t)
	resp, _ := e.do(t, http.MethodGet, "/api/dashboard/gateways", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/api/dashboard/gateways", &domain.User{ID: 999}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var detail httpapi.ErrorDetail
	env := decode(t, body, &detail)
	assert.Equal(t, httpapi.ResultError, env.Code)
	assert.Equal(t, "authentication", string(detail.ErrorType))
}

func TestAuthorizedGateways(t *testing.T) {
	e := setup(t)
	var out struct {
		Gateways []domain.Gateway `json:"gateways"`
		Count    int              `json:"count"`
	}
	_, body := e.do(t, http.MethodGet, "/api/dashboard/gateways", &e.operator, nil)
	decode(t, body, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, e.gw.ID, out.Gateways[0].ID)

	_, body = e.do(t, http.MethodGet, "/api/dashboard/gateways", &e.admin, nil)
	decode(t, body, &out)
	assert.Equal(t, 2, out.Count)
}

func TestRenderDashboard(t *testing.T) {
	e := setup(t)
	var view dashboard.View
	resp, body := e.do(t, http.MethodGet, "/api/dashboard/widgets?dashboard=global", &e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &view)
	assert.Equal(t, domain.DashboardGlobal, view.DashboardType)
	assert.Len(t, view.Widgets, len(domain.GlobalWidgetTypes))

	resp, _ = e.do(t, http.MethodGet, "/api/dashboard/widgets?dashboard=gateway", &e.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "gateway dashboard needs gateway_id")

	resp, _ = e.do(t, http.MethodGet, "/api/dashboard/widgets?dashboard=global&gateway_id=abc", &e.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAvailableWidgets(t *testing.T) {
	e := setup(t)
	var out struct {
		Widgets []widget.Meta `json:"widgets"`
	}
	path := "/api/dashboard/widgets/available?dashboard=gateway&gateway_id=" + strconv.FormatInt(e.other.ID, 10)
	_, body := e.do(t, http.MethodGet, path, &e.operator, nil)
	decode(t, body, &out)
	assert.Empty(t, out.Widgets, "operator has no access to the other gateway")

	path = "/api/dashboard/widgets/available?dashboard=gateway&gateway_id=" + strconv.FormatInt(e.gw.ID, 10)
	_, body = e.do(t, http.MethodGet, path, &e.operator, nil)
	decode(t, body, &out)
	assert.Len(t, out.Widgets, len(domain.GatewayWidgetTypes))
}

func TestRenderWidget(t *testing.T) {
	e := setup(t)
	var res widget.Result
	resp, body := e.do(t, http.MethodGet, "/api/dashboard/widgets/system-overview", &e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &res)
	assert.Equal(t, widget.StatusSuccess, res.Status)
	assert.False(t, res.Metadata.FromCache)

	_, body = e.do(t, http.MethodGet, "/api/dashboard/widgets/system-overview", &e.admin, nil)
	decode(t, body, &res)
	assert.True(t, res.Metadata.FromCache)

	_, body = e.do(t, http.MethodGet, "/api/dashboard/widgets/system-overview?nocache=1", &e.admin, nil)
	decode(t, body, &res)
	assert.False(t, res.Metadata.FromCache)

	resp, _ = e.do(t, http.MethodGet, "/api/dashboard/widgets/weather", &e.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	path := "/api/dashboard/widgets/gateway-stats?gateway_id=" + strconv.FormatInt(e.other.ID, 10)
	resp, body = e.do(t, http.MethodGet, path, &e.operator, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	decode(t, body, &res)
	assert.Equal(t, widget.StatusUnauthorized, res.Status)
	assert.Nil(t, res.Data)
}

func TestClearWidgetCache(t *testing.T) {
	e := setup(t)
	e.do(t, http.MethodGet, "/api/dashboard/widgets/system-overview", &e.admin, nil)

	var out dashboard.ClearResult
	resp, body := e.do(t, http.MethodPost, "/api/dashboard/widgets/cache/clear", &e.admin,
		map[string]any{"widget_types": []string{domain.WidgetSystemOverview}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &out)
	assert.Equal(t, []string{domain.WidgetSystemOverview}, out.Cleared)

	var res widget.Result
	_, body = e.do(t, http.MethodGet, "/api/dashboard/widgets/system-overview", &e.admin, nil)
	decode(t, body, &res)
	assert.False(t, res.Metadata.FromCache)
}

func TestExportTopConsuming(t *testing.T) {
	e := setup(t)
	resp, body := e.do(t, http.MethodGet, "/api/dashboard/widgets/top-consuming-gateways/export", &e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, report.ContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, "attachment; filename=top_consuming_gateways_20240603_140000.xlsx", resp.Header.Get("Content-Disposition"))
	assert.True(t, bytes.HasPrefix(body, []byte("PK")), "xlsx is a zip archive")
}

func TestExportGatewayAlerts_RequiresGateway(t *testing.T) {
	e := setup(t)
	resp, _ := e.do(t, http.MethodGet, "/api/dashboard/widgets/gateway-alerts/export", &e.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/dashboard/widgets/gateway-alerts/export?gateway_id="+strconv.FormatInt(e.gw.ID, 10), &e.admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRTUStatus(t *testing.T) {
	e := setup(t)
	var status rtu.Status
	resp, body := e.do(t, http.MethodGet, gatewayPath(e.gw.ID, "/status"), &e.operator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &status)
	assert.Equal(t, e.gw.ID, status.Gateway.ID)
	assert.Equal(t, "success", status.SystemHealth.Status)
	assert.Equal(t, "success", status.IOStatus.Status)
	require.NotNil(t, status.Alerts)
	assert.True(t, status.Alerts.HasAlerts)

	resp, _ = e.do(t, http.MethodGet, gatewayPath(e.other.ID, "/status"), &e.operator, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, gatewayPath(e.other.ID, "/status"), &e.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "non-RTU gateway")
}

func TestRTUTrends(t *testing.T) {
	e := setup(t)
	var trends rtu.TrendData
	resp, body := e.do(t, http.MethodGet, gatewayPath(e.gw.ID, "/trends?time_range=24h"), &e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &trends)
	assert.Equal(t, "24h", trends.TimeRange)

	_, body = e.do(t, http.MethodGet, gatewayPath(e.gw.ID, "/trends?time_range=1y"), &e.admin, nil)
	decode(t, body, &trends)
	assert.Equal(t, rtu.DefaultTrendRange, trends.TimeRange, "unknown range falls back")
}

func TestRTUFilterAlerts(t *testing.T) {
	e := setup(t)
	var out struct {
		Alerts  []domain.Alert `json:"alerts"`
		Count   int            `json:"count"`
		Summary string         `json:"status_summary"`
	}
	resp, body := e.do(t, http.MethodPost, gatewayPath(e.gw.ID, "/alerts/filter"), &e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, e.alert.ID, out.Alerts[0].ID)
	assert.Equal(t, "1 Warning", out.Summary)

	_, body = e.do(t, http.MethodPost, gatewayPath(e.gw.ID, "/alerts/filter"), &e.admin,
		map[string]any{"severity": []string{domain.SeverityCritical}, "time_range": "last_week"})
	decode(t, body, &out)
	assert.Zero(t, out.Count)

	resp, _ = e.do(t, http.MethodPost, gatewayPath(e.gw.ID, "/alerts/filter"), &e.admin, map[string]any{"time_range": "forever"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRTUAlerts_DeviceLevelOperatorScope(t *testing.T) {
	e := setup(t)
	fieldTech := e.repo.AddUser(domain.User{Name: "Field Tech", Role: domain.RoleOperator})
	e.repo.AssignDevice(fieldTech.ID, e.device.ID)
	unassigned := e.repo.AddDevice(domain.Device{GatewayID: e.gw.ID, Name: "Energy Meter 3"})
	foreign := e.repo.AddAlert(domain.Alert{DeviceID: unassigned.ID, ParameterName: "cpu_load", Severity: domain.SeverityCritical, Timestamp: testNow.Add(-10 * time.Minute)})

	var out struct {
		Alerts []domain.Alert `json:"alerts"`
		Count  int            `json:"count"`
	}
	resp, body := e.do(t, http.MethodPost, gatewayPath(e.gw.ID, "/alerts/filter"), &fieldTech, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, e.alert.ID, out.Alerts[0].ID)

	_, body = e.do(t, http.MethodPost, gatewayPath(e.gw.ID, "/alerts/filter"), &fieldTech,
		map[string]any{"device_ids": []int64{unassigned.ID}})
	decode(t, body, &out)
	assert.Zero(t, out.Count, "requested device outside the user's scope")

	var status rtu.Status
	resp, body = e.do(t, http.MethodGet, gatewayPath(e.gw.ID, "/status"), &fieldTech, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &status)
	assert.Zero(t, status.Alerts.CriticalCount)
	for _, g := range status.Alerts.Groups {
		assert.NotContains(t, g.AlertIDs, foreign.ID)
	}

	// 管理员使用相同筛选条件，不能命中操作员的缓存结果
	_, body = e.do(t, http.MethodPost, gatewayPath(e.gw.ID, "/alerts/filter"), &e.admin, nil)
	decode(t, body, &out)
	assert.Equal(t, 2, out.Count)
}

func TestRTUExportAlerts(t *testing.T) {
	e := setup(t)
	resp, body := e.do(t, http.MethodGet, gatewayPath(e.gw.ID, "/alerts/export?severity=warning&resolved=false"), &e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Disposition"), "attachment; filename=rtu_alerts_gateway_"))
	assert.True(t, bytes.HasPrefix(body, []byte("PK")))

	resp, _ = e.do(t, http.MethodGet, gatewayPath(e.gw.ID, "/alerts/export?resolved=maybe"), &e.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRTUResolveAlerts(t *testing.T) {
	e := setup(t)
	var out rtu.ResolveResult
	resp, body := e.do(t, http.MethodPost, "/api/rtu/alerts/resolve", &e.operator,
		map[string]any{"alert_ids": []int64{e.alert.ID, e.hidden.ID, 404}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &out)
	assert.Equal(t, []int64{e.alert.ID}, out.Resolved)
	assert.ElementsMatch(t, []int64{e.hidden.ID, 404}, out.Failed)
	assert.Equal(t, 2, out.FailedCount)

	hidden, err := e.repo.GetAlert(context.Background(), e.hidden.ID)
	require.NoError(t, err)
	assert.False(t, hidden.Resolved)

	resp, _ = e.do(t, http.MethodPost, "/api/rtu/alerts/resolve", &e.operator, map[string]any{"alert_ids": []int64{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRTUSetOutput(t *testing.T) {
	e := setup(t)
	var res rtu.ControlResult
	resp, body := e.do(t, http.MethodPost, gatewayPath(e.gw.ID, "/outputs/DO1"), &e.admin, map[string]any{"state": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &res)
	assert.True(t, res.Success)
	assert.Equal(t, "Digital output DO1 set to ON", res.Message)

	resp, _ = e.do(t, http.MethodPost, gatewayPath(e.gw.ID, "/outputs/do2"), &e.admin, map[string]any{"state": false})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "rate limited")

	resp, _ = e.do(t, http.MethodPost, gatewayPath(e.gw.ID, "/outputs/do1"), &e.admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "state is required")
}

func TestStoreReading(t *testing.T) {
	e := setup(t)
	var res ingest.StoreResult
	resp, body := e.do(t, http.MethodPost, "/api/readings", &e.admin, map[string]any{
		"device_id": e.device.ID,
		"parameter": "Voltage",
		"value":     245.0,
		"timestamp": "2024-06-03T12:00:00Z",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decode(t, body, &res)
	assert.NotZero(t, res.ReadingID)
	assert.Equal(t, 1, res.AlertsCreated)

	resp, _ = e.do(t, http.MethodPost, "/api/readings", &e.admin, map[string]any{
		"device_id": e.device.ID, "parameter": "Frequency", "value": 50.0, "timestamp": "2024-06-03T12:00:00Z",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/readings", &e.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplaceAssignments(t *testing.T) {
	e := setup(t)
	path := "/api/users/" + strconv.FormatInt(e.operator.ID, 10) + "/assignments"

	resp, _ := e.do(t, http.MethodPut, path, &e.operator, map[string]any{"gateway_ids": []int64{e.other.ID}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPut, path, &e.admin, map[string]any{"gateway_ids": []int64{404}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, e.events.events)

	resp, _ = e.do(t, http.MethodPut, "/api/users/999/assignments", &e.admin, map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var out struct {
		GatewayIDs     []int64 `json:"gateway_ids"`
		EventPublished bool    `json:"event_published"`
	}
	resp, body := e.do(t, http.MethodPut, path, &e.admin, map[string]any{"gateway_ids": []int64{e.other.ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, body, &out)
	assert.Equal(t, []int64{e.other.ID}, out.GatewayIDs)
	assert.True(t, out.EventPublished)

	require.Len(t, e.events.events, 1)
	assert.Equal(t, consumer.EventAssignmentChanged, e.events.events[0].Type)
	assert.Equal(t, e.operator.ID, e.events.events[0].UserID)
	assert.Equal(t, e.admin.ID, e.events.events[0].ChangedBy)

	ids, err := e.repo.AssignedGatewayIDs(context.Background(), e.operator.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{e.other.ID}, ids)
}

func TestCheckPermission(t *testing.T) {
	e := setup(t)
	var out struct {
		HasAccess bool `json:"has_access"`
	}
	_, body := e.do(t, http.MethodGet, "/api/permissions/check?widget_type=gateway-stats&gateway_id="+strconv.FormatInt(e.gw.ID, 10), &e.operator, nil)
	decode(t, body, &out)
	assert.True(t, out.HasAccess)

	_, body = e.do(t, http.MethodGet, "/api/permissions/check?widget_type=gateway-stats&gateway_id="+strconv.FormatInt(e.other.ID, 10), &e.operator, nil)
	decode(t, body, &out)
	assert.False(t, out.HasAccess)

	resp, _ := e.do(t, http.MethodGet, "/api/permissions/check", &e.operator, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
