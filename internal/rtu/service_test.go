package rtu_test

import (
	"context"
	"testing"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/rtu"
	"energy-monitor/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCollector struct {
	system  *rtu.SystemSample
	network *rtu.NetworkSample
	io      *rtu.IOSample
	err     error
	calls   int
	outputs []string
}

func (f *fakeCollector) SystemInfo(_ context.Context, _ *domain.Gateway) (*rtu.SystemSample, error) {
	f.calls++
	return f.system, f.err
}

func (f *fakeCollector) NetworkInfo(_ context.Context, _ *domain.Gateway) (*rtu.NetworkSample, error) {
	f.calls++
	return f.network, f.err
}

func (f *fakeCollector) IOInfo(_ context.Context, _ *domain.Gateway) (*rtu.IOSample, error) {
	f.calls++
	return f.io, f.err
}

func (f *fakeCollector) SetOutput(_ context.Context, _ *domain.Gateway, output string, _ bool) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.outputs = append(f.outputs, output)
	return nil
}

type dataEnv struct {
	repo      *repository.MemoryRepository
	kv        *store.MemoryKV
	collector *fakeCollector
	service   *rtu.DataService
	gw        domain.Gateway
}

func newDataEnv(t *testing.T, limit rtu.ControlLimit) *dataEnv {
	t.Helper()
	clock := func() time.Time { return testNow }
	repo := repository.NewMemoryRepository()
	gw := repo.AddGateway(domain.Gateway{Name: "Router A", GatewayType: domain.GatewayTypeRUT956, FixedIP: "10.0.0.1"})
	kv := store.NewMemoryKV().WithClock(clock)
	collector := &fakeCollector{
		system:  &rtu.SystemSample{CPULoad: fp(85), MemoryUsage: fp(40), UptimeHours: ip(12)},
		network: &rtu.NetworkSample{RSSI: ip(-80)},
		io:      &rtu.IOSample{DI1: boolp(true), AnalogVoltage: fp(4.2)},
	}
	svc := rtu.NewDataService(repo.Set(), collector,
		rtu.NewCache(kv, zap.NewNop()),
		rtu.NewFallbackCache(kv, 0, zap.NewNop()).WithClock(clock),
		limit, zap.NewNop()).WithClock(clock)
	return &dataEnv{repo: repo, kv: kv, collector: collector, service: svc, gw: gw}
}

func boolp(b bool) *bool { return &b }

func TestDataService_SystemHealthCollectPersistCache(t *testing.T) {
	env := newDataEnv(t, rtu.ControlLimit{})
	ctx := context.Background()

	out, err := env.service.SystemHealth(ctx, env.gw)
	require.NoError(t, err)
	assert.Equal(t, "success", out.Status)
	assert.False(t, out.FromCache)
	assert.Equal(t, rtu.StatusWarning, out.Data.Status)
	assert.Equal(t, 80, out.Data.HealthScore, "online after collection, cpu above 80")

	stored, err := env.repo.GetGateway(ctx, env.gw.ID)
	require.NoError(t, err)
	assert.Equal(t, 85.0, *stored.CPULoad)
	assert.Equal(t, domain.CommOnline, stored.CommunicationStatus)
	require.NotNil(t, stored.LastSystemUpdate)

	again, err := env.service.SystemHealth(ctx, env.gw)
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, out.Data.HealthScore, again.Data.HealthScore)
	assert.Equal(t, 1, env.collector.calls)

	_, err = env.kv.Get(ctx, rtu.FallbackKey(env.gw.ID, rtu.DataSystemHealth))
	assert.NoError(t, err)
}

func TestDataService_FallbackOnCollectionError(t *testing.T) {
	env := newDataEnv(t, rtu.ControlLimit{})
	ctx := context.Background()

	_, err := env.service.NetworkStatus(ctx, env.gw)
	require.NoError(t, err)
	require.NoError(t, env.kv.Delete(ctx, rtu.NetworkStatusKey(env.gw.ID)))

	env.collector.err = failure.New(failure.KindTimeout, "rtu.collect", "deadline")
	out, err := env.service.NetworkStatus(ctx, env.gw)
	require.NoError(t, err)
	assert.Equal(t, "error", out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, rtu.SourceCache, out.Error.FallbackSource)
	assert.Equal(t, "good", out.Data.SignalQuality.Status)

	io, err := env.service.IOStatus(ctx, env.gw)
	require.NoError(t, err)
	assert.Equal(t, rtu.SourceNone, io.Error.FallbackSource)
}

func TestDataService_RejectsNonRTU(t *testing.T) {
	env := newDataEnv(t, rtu.ControlLimit{})
	plain := env.repo.AddGateway(domain.Gateway{Name: "Modbus", GatewayType: "generic"})

	_, err := env.service.SystemHealth(context.Background(), plain)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	res := env.service.SetDigitalOutput(context.Background(), plain, rtu.OutputDO1, true)
	assert.False(t, res.Success)
	assert.Equal(t, failure.KindValidation, res.ErrorType)
	assert.Zero(t, env.collector.calls)
}

func TestDataService_SetDigitalOutput(t *testing.T) {
	env := newDataEnv(t, rtu.ControlLimit{Every: time.Minute, Burst: 1})
	ctx := context.Background()

	_, err := env.service.IOStatus(ctx, env.gw)
	require.NoError(t, err)

	res := env.service.SetDigitalOutput(ctx, env.gw, "DO1", true)
	require.True(t, res.Success)
	assert.Equal(t, "Digital output DO1 set to ON", res.Message)
	require.NotNil(t, res.NewState)
	assert.True(t, *res.NewState)
	assert.Equal(t, []string{rtu.OutputDO1}, env.collector.outputs)

	stored, err := env.repo.GetGateway(ctx, env.gw.ID)
	require.NoError(t, err)
	assert.True(t, *stored.DO1Status)

	_, err = env.kv.Get(ctx, rtu.FallbackKey(env.gw.ID, rtu.DataIOStatus))
	assert.ErrorIs(t, err, store.ErrMiss)
	_, err = env.kv.Get(ctx, rtu.IOStatusKey(env.gw.ID))
	assert.ErrorIs(t, err, store.ErrMiss)

	limited := env.service.SetDigitalOutput(ctx, env.gw, rtu.OutputDO2, true)
	assert.False(t, limited.Success)
	assert.Equal(t, failure.KindValidation, limited.ErrorType)

	bad := env.service.SetDigitalOutput(ctx, env.gw, "do3", true)
	assert.False(t, bad.Success)
	assert.Equal(t, failure.KindValidation, bad.ErrorType)
}

func TestDataService_SetDigitalOutputFailure(t *testing.T) {
	env := newDataEnv(t, rtu.ControlLimit{})
	env.collector.err = failure.New(failure.KindConnectionRefused, "rtu.io", "refused")

	res := env.service.SetDigitalOutput(context.Background(), env.gw, rtu.OutputDO2, false)
	assert.False(t, res.Success)
	assert.True(t, res.RetrySuggested)
	assert.Equal(t, 60, res.RetryDelay)
}

func TestDataService_TrendData(t *testing.T) {
	env := newDataEnv(t, rtu.ControlLimit{})
	ctx := context.Background()
	dev := env.repo.AddDevice(domain.Device{GatewayID: env.gw.ID, Name: "RTU"})
	cpu := env.repo.AddRegister(domain.Register{DeviceID: dev.ID, ParameterName: "cpu_load", Unit: "%"})
	rssi := env.repo.AddRegister(domain.Register{DeviceID: dev.ID, ParameterName: "rssi"})
	power := env.repo.AddRegister(domain.Register{DeviceID: dev.ID, ParameterName: "Active Power", Unit: "kW"})

	env.repo.AddReading(domain.Reading{DeviceID: dev.ID, RegisterID: cpu.ID, Value: 50, Timestamp: testNow.Add(-10 * time.Minute)})
	env.repo.AddReading(domain.Reading{DeviceID: dev.ID, RegisterID: cpu.ID, Value: 40, Timestamp: testNow.Add(-20 * time.Minute)})
	env.repo.AddReading(domain.Reading{DeviceID: dev.ID, RegisterID: rssi.ID, Value: -75, Timestamp: testNow.Add(-5 * time.Minute)})
	env.repo.AddReading(domain.Reading{DeviceID: dev.ID, RegisterID: power.ID, Value: 3, Timestamp: testNow.Add(-5 * time.Minute)})
	env.repo.AddReading(domain.Reading{DeviceID: dev.ID, RegisterID: cpu.ID, Value: 99, Timestamp: testNow.Add(-3 * time.Hour)})

	out, err := env.service.TrendData(ctx, env.gw, "1h")
	require.NoError(t, err)
	assert.True(t, out.HasData)
	assert.Equal(t, "1h", out.TimeRange)
	assert.Equal(t, []string{rtu.MetricSignalStrength, rtu.MetricCPULoad}, out.AvailableMetrics)
	require.Len(t, out.Metrics[rtu.MetricCPULoad], 2)
	assert.Equal(t, 40.0, out.Metrics[rtu.MetricCPULoad][0].Value)
	assert.Equal(t, "dBm", out.Metrics[rtu.MetricSignalStrength][0].Unit)

	def, err := env.service.TrendData(ctx, env.gw, "bogus")
	require.NoError(t, err)
	assert.Equal(t, rtu.DefaultTrendRange, def.TimeRange)
	assert.Len(t, def.Metrics[rtu.MetricCPULoad], 3)

	empty := env.repo.AddGateway(domain.Gateway{Name: "Router B", GatewayType: domain.GatewayTypeRUT956})
	none, err := env.service.TrendData(ctx, empty, "")
	require.NoError(t, err)
	assert.False(t, none.HasData)
	assert.NotEmpty(t, none.Message)
}

func TestDataService_GatewayStatus(t *testing.T) {
	env := newDataEnv(t, rtu.ControlLimit{})
	alerts := rtu.NewAlertService(env.repo, env.repo, rtu.NewCache(env.kv, nil), nil).
		WithClock(func() time.Time { return testNow })

	status, err := env.service.GatewayStatus(context.Background(), env.gw, alerts, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", status.SystemHealth.Status)
	assert.Equal(t, "success", status.NetworkStatus.Status)
	assert.Equal(t, "success", status.IOStatus.Status)
	assert.True(t, status.IOStatus.Data.DigitalInputs["di1"].Status)
	assert.InDelta(t, 4.2, status.IOStatus.Data.AnalogInput.Voltage, 1e-9)
	assert.Equal(t, "All Systems OK", status.Alerts.StatusSummary)
}
