package domain

import (
	"strconv"
	"strings"
)

// Register 设备寄存器定义：读数如何解释
type Register struct {
	ID              int64   `db:"id" json:"id"`
	DeviceID        int64   `db:"device_id" json:"device_id"`
	ParameterName   string  `db:"parameter_name" json:"parameter_name"`
	RegisterAddress int     `db:"register_address" json:"register_address"`
	DataType        string  `db:"data_type" json:"data_type"`
	Unit            string  `db:"unit" json:"unit"`
	Scale           float64 `db:"scale" json:"scale"`
	NormalRange     string  `db:"normal_range" json:"normal_range,omitempty"`
	Critical        bool    `db:"critical" json:"critical"`
}

// ParseNormalRange 解析 "min-max" 形式的正常范围，兼容 en/em dash 与负数下限
func ParseNormalRange(s string) (min, max float64, ok bool) {
	s = strings.NewReplacer("–", "-", "—", "-").Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, 0, false
	}
	// 跳过开头的负号再找分隔符
	idx := strings.Index(s[1:], "-")
	if idx < 0 {
		return 0, 0, false
	}
	idx++
	lo, err := strconv.ParseFloat(strings.TrimSpace(s[:idx]), 64)
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(s[idx+1:]), 64)
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
