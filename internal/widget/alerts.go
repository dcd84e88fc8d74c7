package widget

import (
	"fmt"
	"math"

	"energy-monitor/internal/domain"
)

// SeverityWeight 告警优先级的严重程度权重
func SeverityWeight(severity string) int {
	switch severity {
	case domain.SeverityCritical:
		return 100
	case domain.SeverityWarning:
		return 50
	case domain.SeverityInfo:
		return 10
	default:
		return 0
	}
}

// AlertPriorityScore 严重度权重 + 超过 1 小时后的时长加分（上限 50）+ 未解决加分
func AlertPriorityScore(severity string, ageMinutes float64, resolved bool) int {
	score := SeverityWeight(severity)
	if ageMinutes > 60 {
		score += int(math.Min(50, math.Floor(ageMinutes/60)*5))
	}
	if !resolved {
		score += 25
	}
	return score
}

// FormatAge "Just now" / "5m ago" / "3h ago" / "2d ago"
func FormatAge(ageMinutes float64) string {
	m := int(ageMinutes)
	switch {
	case m < 1:
		return "Just now"
	case m < 60:
		return fmt.Sprintf("%dm ago", m)
	case m < 1440:
		return fmt.Sprintf("%dh ago", m/60)
	default:
		return fmt.Sprintf("%dd ago", m/1440)
	}
}
