package rtu_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/rtu"
	"energy-monitor/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rtuGateway(id int64) domain.Gateway {
	return domain.Gateway{ID: id, Name: "Router", GatewayType: domain.GatewayTypeRUT956, FixedIP: "10.0.0.1"}
}

func rowHealth(gw *domain.Gateway) (rtu.SystemHealth, bool) {
	if gw.LastSystemUpdate == nil {
		return rtu.SystemHealth{}, false
	}
	return rtu.SystemHealth{CPULoad: gw.CPULoad, Status: "from-row"}, true
}

func newFallback() (*store.MemoryKV, *rtu.FallbackCache) {
	clock := func() time.Time { return testNow }
	kv := store.NewMemoryKV().WithClock(clock)
	return kv, rtu.NewFallbackCache(kv, 0, zap.NewNop()).WithClock(clock)
}

func TestFallback_PrefersCachedPayload(t *testing.T) {
	kv, f := newFallback()
	ctx := context.Background()
	gw := rtuGateway(3)
	last := testNow.Add(-25 * time.Minute)
	gw.LastSystemUpdate = &last

	require.NoError(t, f.CacheSuccessful(ctx, gw.ID, rtu.DataSystemHealth, rtu.SystemHealth{HealthScore: 70, Status: rtu.StatusWarning}))
	_, err := kv.Get(ctx, "rtu_fallback_3_system_health")
	require.NoError(t, err)

	out := rtu.HandleDataCollectionError(ctx, f, &gw, rtu.DataSystemHealth,
		failure.New(failure.KindTimeout, "rtu.collect", "deadline"), rowHealth)

	assert.Equal(t, "error", out.Status)
	assert.Equal(t, 70, out.Data.HealthScore)
	require.NotNil(t, out.Error)
	assert.Equal(t, failure.KindTimeout, out.Error.ErrorType)
	assert.True(t, out.Error.IsCached)
	assert.Equal(t, rtu.SourceCache, out.Error.FallbackSource)
	require.NotNil(t, out.Error.CacheTimestamp)
	assert.Equal(t, testNow, *out.Error.CacheTimestamp)
	require.NotNil(t, out.Error.CacheAgeMinutes)
	assert.Equal(t, 25, *out.Error.CacheAgeMinutes)
	assert.True(t, out.Error.RetryAvailable)
	assert.Contains(t, out.Error.Message, "timed out")
	assert.Contains(t, out.Error.Troubleshooting, "Check network latency to RTU gateway")
}

func TestFallback_DatabaseThenNone(t *testing.T) {
	_, f := newFallback()
	ctx := context.Background()

	gw := rtuGateway(4)
	last := testNow.Add(-time.Hour)
	gw.LastSystemUpdate = &last
	gw.CPULoad = fp(42)

	out := rtu.HandleDataCollectionError(ctx, f, &gw, rtu.DataSystemHealth,
		failure.New(failure.KindAuthentication, "rtu.login", "bad credentials"), rowHealth)
	assert.Equal(t, rtu.SourceDatabase, out.Error.FallbackSource)
	assert.False(t, out.Error.IsCached)
	assert.False(t, out.Error.RetryAvailable)
	assert.Equal(t, "from-row", out.Data.Status)
	assert.Equal(t, 42.0, *out.Data.CPULoad)

	fresh := rtuGateway(5)
	out = rtu.HandleDataCollectionError(ctx, f, &fresh, rtu.DataSystemHealth, errors.New("connection refused"), rowHealth)
	assert.Equal(t, rtu.SourceNone, out.Error.FallbackSource)
	assert.Equal(t, failure.KindConnectionRefused, out.Error.ErrorType)
	assert.Nil(t, out.Error.CacheAgeMinutes)
	assert.Nil(t, out.Error.LastSuccessfulUpdate)
	assert.Equal(t, rtu.SystemHealth{}, out.Data)
}

func TestFallback_ClearFallbackCache(t *testing.T) {
	kv, f := newFallback()
	ctx := context.Background()
	for _, dt := range rtu.FallbackDataTypes {
		require.NoError(t, f.CacheSuccessful(ctx, 9, dt, map[string]int{"v": 1}))
	}

	io := rtu.DataIOStatus
	require.NoError(t, f.ClearFallbackCache(ctx, 9, &io))
	keys, err := kv.ScanKeys(ctx, "rtu_fallback_9_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"rtu_fallback_9_network_status", "rtu_fallback_9_system_health"}, keys)

	require.NoError(t, f.ClearFallbackCache(ctx, 9, nil))
	keys, err = kv.ScanKeys(ctx, "rtu_fallback_9_*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFallback_HandleControlError(t *testing.T) {
	_, f := newFallback()
	gw := rtuGateway(1)

	res := f.HandleControlError(&gw, rtu.OutputDO1, failure.New(failure.KindConnectionRefused, "rtu.io", "refused"))
	assert.False(t, res.Success)
	require.NotNil(t, res.ControlFailure)
	assert.True(t, res.RetrySuggested)
	assert.Equal(t, 60, res.RetryDelay)
	assert.Equal(t, "Manual control may be available directly on the RTU gateway device", res.FallbackAction)
	assert.Equal(t, "technical", res.SupportContact.Type)
	assert.Contains(t, res.TroubleshootingSteps, "Wait a few moments and try the operation again")

	res = f.HandleControlError(&gw, "reboot", failure.New(failure.KindHardware, "rtu.io", "module offline"))
	assert.False(t, res.RetrySuggested)
	assert.Equal(t, 30, res.RetryDelay)
	assert.Equal(t, "maintenance", res.SupportContact.Type)
	assert.Equal(t, "Check RTU gateway web interface for manual control options", res.FallbackAction)
	assert.Contains(t, res.Message, "Hardware module is offline")

	res = f.HandleControlError(&gw, rtu.OutputDO2, failure.New(failure.KindInvalidResponse, "rtu.io", "garbage"))
	assert.True(t, res.RetrySuggested)
	assert.Equal(t, 15, res.RetryDelay)
}
