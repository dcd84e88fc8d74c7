package widget

import (
	"net/url"
	"strconv"
	"strings"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
)

// Config widget 配置；字段顺序固定，序列化结果用于缓存键
type Config struct {
	Limit      int     `json:"limit,omitempty"`
	TimeRange  string  `json:"time_range,omitempty"`
	CostPerKWh float64 `json:"cost_per_kwh,omitempty"`
	GatewayID  *int64  `json:"gateway_id,omitempty"`
	// DeviceIDs gateway widget 在授权设备内进一步收窄范围；不能扩大授权
	DeviceIDs  []int64 `json:"device_ids,omitempty"`
}

// ParseConfig 从查询参数解析配置
func ParseConfig(q url.Values) (Config, error) {
	var cfg Config
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, failure.Newf(failure.KindValidation, "widget.ParseConfig", "invalid limit %q", v)
		}
		cfg.Limit = n
	}
	cfg.TimeRange = strings.TrimSpace(q.Get("time_range"))
	if v := q.Get("cost_per_kwh"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return cfg, failure.Newf(failure.KindValidation, "widget.ParseConfig", "invalid cost_per_kwh %q", v)
		}
		cfg.CostPerKWh = f
	}
	if v := q.Get("gateway_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, failure.Newf(failure.KindValidation, "widget.ParseConfig", "invalid gateway_id %q", v)
		}
		cfg.GatewayID = &id
	}
	if v := q.Get("device_ids"); v != "" {
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return cfg, failure.Newf(failure.KindValidation, "widget.ParseConfig", "invalid device id %q", part)
			}
			cfg.DeviceIDs = append(cfg.DeviceIDs, id)
		}
	}
	return cfg, nil
}

// NarrowDevices 按 DeviceIDs 过滤设备；DeviceIDs 为空时原样返回
func (c Config) NarrowDevices(devices []domain.Device) []domain.Device {
	if len(c.DeviceIDs) == 0 {
		return devices
	}
	want := make(map[int64]struct{}, len(c.DeviceIDs))
	for _, id := range c.DeviceIDs {
		want[id] = struct{}{}
	}
	out := make([]domain.Device, 0, len(devices))
	for _, d := range devices {
		if _, ok := want[d.ID]; ok {
			out = append(out, d)
		}
	}
	return out
}

// WithGateway 返回设置了 gateway_id 的副本
func (c Config) WithGateway(id *int64) Config {
	c.GatewayID = id
	return c
}
