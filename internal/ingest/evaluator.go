// Package ingest 读数写入与阈值告警评估（HTTP 与 MQTT 共用）。
package ingest

import (
	"fmt"
	"time"

	"energy-monitor/internal/domain"
)

// criticalBuffer 超出正常范围宽度的比例，超过即视为临界值
const criticalBuffer = 0.2

// Evaluator 阈值告警评估器
type Evaluator struct{}

// Evaluate 依次检查：超出正常范围、非工作时间读数、临界值
func (Evaluator) Evaluate(reg domain.Register, value float64, at time.Time) []domain.Alert {
	var alerts []domain.Alert
	newAlert := func(severity, message string) domain.Alert {
		return domain.Alert{
			DeviceID:      reg.DeviceID,
			ParameterName: reg.ParameterName,
			Value:         value,
			Severity:      severity,
			Message:       message,
			Timestamp:     at,
		}
	}

	lo, hi, hasRange := domain.ParseNormalRange(reg.NormalRange)
	if hasRange && (value < lo || value > hi) {
		severity := domain.SeverityWarning
		if reg.Critical {
			severity = domain.SeverityCritical
		}
		alerts = append(alerts, newAlert(severity,
			fmt.Sprintf("Value %s %s is outside normal range %s", formatValue(value), reg.Unit, reg.NormalRange)))
	}

	if IsOffHours(at) {
		alerts = append(alerts, newAlert(domain.SeverityInfo, "Reading received during off-hours (10 PM - 6 AM)"))
	}

	if reg.Critical && hasRange {
		buffer := (hi - lo) * criticalBuffer
		if value < lo-buffer || value > hi+buffer {
			alerts = append(alerts, newAlert(domain.SeverityCritical,
				fmt.Sprintf("CRITICAL: %s reached critical value %s %s", reg.ParameterName, formatValue(value), reg.Unit)))
		}
	}
	return alerts
}

// IsOffHours 22:00-05:59
func IsOffHours(at time.Time) bool {
	h := at.Hour()
	return h >= 22 || h < 6
}

func formatValue(v float64) string {
	return fmt.Sprintf("%g", v)
}
