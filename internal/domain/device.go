package domain

import "strings"

// Device 计量设备（对应 devices 表），隶属唯一网关
type Device struct {
	ID           int64  `db:"id" json:"id"`
	GatewayID    int64  `db:"gateway_id" json:"gateway_id"`
	Name         string `db:"name" json:"name"`
	SlaveID      int    `db:"slave_id" json:"slave_id"`
	LocationTag  string `db:"location_tag" json:"location_tag,omitempty"`
	Manufacturer string `db:"manufacturer" json:"manufacturer,omitempty"`
	PartNumber   string `db:"part_number" json:"part_number,omitempty"`
	SerialNumber string `db:"serial_number" json:"serial_number,omitempty"`
}

// 设备类型（由设备名称关键字推断）
const (
	DeviceTypeEnergyMeter = "Energy Meter"
	DeviceTypeWaterMeter  = "Water Meter"
	DeviceTypeHVAC        = "HVAC"
	DeviceTypeHeating     = "Heating"
	DeviceTypeSensor      = "Sensor"
	DeviceTypeOther       = "Other"
)

// Type 根据名称关键字推断设备类型
func (d *Device) Type() string {
	name := strings.ToLower(d.Name)
	switch {
	case strings.Contains(name, "energy") || strings.Contains(name, "meter") && !strings.Contains(name, "water"):
		return DeviceTypeEnergyMeter
	case strings.Contains(name, "water"):
		return DeviceTypeWaterMeter
	case strings.Contains(name, "hvac") || strings.Contains(name, "air") || hasWord(name, "ac"):
		return DeviceTypeHVAC
	case strings.Contains(name, "heater") || strings.Contains(name, "heating"):
		return DeviceTypeHeating
	case strings.Contains(name, "sensor"):
		return DeviceTypeSensor
	default:
		return DeviceTypeOther
	}
}

func hasWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if f == word {
			return true
		}
	}
	return false
}

// DeviceIDs 提取设备 ID 列表
func DeviceIDs(devices []Device) []int64 {
	ids := make([]int64, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return ids
}

// GatewayIDsOf 提取设备所属网关 ID（去重，保持首次出现顺序）
func GatewayIDsOf(devices []Device) []int64 {
	seen := make(map[int64]struct{}, len(devices))
	ids := make([]int64, 0)
	for _, d := range devices {
		if _, ok := seen[d.GatewayID]; ok {
			continue
		}
		seen[d.GatewayID] = struct{}{}
		ids = append(ids, d.GatewayID)
	}
	return ids
}
