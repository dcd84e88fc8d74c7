package domain

import (
	"strings"
	"time"
)

// Reading 读数（只追加的时序数据）
// ParameterName / Unit 来自关联的寄存器
type Reading struct {
	ID            int64     `db:"id" json:"id"`
	DeviceID      int64     `db:"device_id" json:"device_id"`
	RegisterID    int64     `db:"register_id" json:"register_id"`
	ParameterName string    `db:"parameter_name" json:"parameter_name"`
	Unit          string    `db:"unit" json:"unit,omitempty"`
	Value         float64   `db:"value" json:"value"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
}

// IsPower 参数名包含 power（不区分大小写）
func (r *Reading) IsPower() bool {
	return strings.Contains(strings.ToLower(r.ParameterName), "power")
}

// IsEnergy 参数名包含 energy（不区分大小写）
func (r *Reading) IsEnergy() bool {
	return strings.Contains(strings.ToLower(r.ParameterName), "energy")
}
