package domain

import "time"

// 告警严重级别
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Severities 按严重程度从高到低
var Severities = []string{SeverityCritical, SeverityWarning, SeverityInfo}

// SeverityRank critical=3 / warning=2 / info=1，未知为 0
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Alert 告警，由阈值规则产生，仅通过 resolved 标记变更
type Alert struct {
	ID            int64      `db:"id" json:"id"`
	DeviceID      int64      `db:"device_id" json:"device_id"`
	ParameterName string     `db:"parameter_name" json:"parameter_name"`
	Value         float64    `db:"value" json:"value"`
	Severity      string     `db:"severity" json:"severity"`
	Message       string     `db:"message" json:"message"`
	Timestamp     time.Time  `db:"timestamp" json:"timestamp"`
	Resolved      bool       `db:"resolved" json:"resolved"`
	ResolvedBy    *int64     `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// AgeMinutes 告警产生至 now 的分钟数（不为负）
func (a *Alert) AgeMinutes(now time.Time) float64 {
	m := now.Sub(a.Timestamp).Minutes()
	if m < 0 {
		return 0
	}
	return m
}
