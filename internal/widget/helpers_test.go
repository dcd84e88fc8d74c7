package widget

import (
	"net/url"
	"testing"

	"energy-monitor/internal/failure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	vals := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.Equal(t, 5.0, Mean(vals))
	assert.Equal(t, 2.0, StdDev(vals))
	assert.Equal(t, 40.0, CoefficientOfVariation(vals))
	lo, hi := MinMax(vals)
	assert.Equal(t, 2.0, lo)
	assert.Equal(t, 9.0, hi)

	assert.Zero(t, Mean(nil))
	assert.Zero(t, CoefficientOfVariation([]float64{0, 0}))
	assert.Equal(t, 3.14, Round(3.14159, 2))
	assert.Zero(t, Percent(1, 0))
	assert.Equal(t, 50.0, Percent(1, 2))
	assert.Equal(t, 50, ClampInt(80, 1, 50))
	assert.Equal(t, 1.0, Clamp(-3, 1, 50))
}

func TestAlertPriorityScore(t *testing.T) {
	assert.Equal(t, 125, AlertPriorityScore("critical", 30, false))
	assert.Equal(t, 135, AlertPriorityScore("critical", 130, false))
	assert.Equal(t, 100, AlertPriorityScore("warning", 6000, true))

	// 超过 1 小时的 critical 不低于任何 info
	maxInfo := AlertPriorityScore("info", 1e6, false)
	for _, age := range []float64{61, 120, 600, 1e5} {
		assert.GreaterOrEqual(t, AlertPriorityScore("critical", age, true), maxInfo)
	}
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "Just now", FormatAge(0.5))
	assert.Equal(t, "5m ago", FormatAge(5))
	assert.Equal(t, "3h ago", FormatAge(200))
	assert.Equal(t, "2d ago", FormatAge(3000))
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(url.Values{"limit": {"5"}, "time_range": {"7d"}, "cost_per_kwh": {"0.2"}, "gateway_id": {"9"}, "device_ids": {"1, 2"}})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Limit)
	assert.Equal(t, "7d", cfg.TimeRange)
	assert.Equal(t, 0.2, cfg.CostPerKWh)
	require.NotNil(t, cfg.GatewayID)
	assert.Equal(t, int64(9), *cfg.GatewayID)
	assert.Equal(t, []int64{1, 2}, cfg.DeviceIDs)

	_, err = ParseConfig(url.Values{"limit": {"x"}})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	_, err = ParseConfig(url.Values{"cost_per_kwh": {"-1"}})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
}
