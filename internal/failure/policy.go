package failure

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 重试策略名称
const (
	StrategyExponentialBackoff = "exponential_backoff"
	StrategyFixedDelay         = "fixed_delay"
	StrategySingleRetry        = "single_retry"
	StrategyNone               = "none"
)

// RetryPolicy 错误种类对应的重试策略（只向调用方暴露，不在进程内自动重试）
type RetryPolicy struct {
	Retryable         bool    `json:"available"`
	Strategy          string  `json:"strategy"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	DelaySeconds      int     `json:"delay_seconds,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

// Delay 第 attempt 次（从 1 开始）重试前的等待时长
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if !p.Retryable || attempt < 1 {
		return 0
	}
	d := float64(p.DelaySeconds)
	if p.Strategy == StrategyExponentialBackoff && p.BackoffMultiplier > 1 {
		for i := 1; i < attempt; i++ {
			d *= p.BackoffMultiplier
		}
	}
	return time.Duration(d * float64(time.Second))
}

// PolicyFor 返回错误种类的固定重试策略
func PolicyFor(kind Kind) RetryPolicy {
	switch kind {
	case KindNetwork, KindTimeout:
		return RetryPolicy{Retryable: true, Strategy: StrategyExponentialBackoff, MaxAttempts: 3, DelaySeconds: 5, BackoffMultiplier: 2}
	case KindConnectionRefused:
		return RetryPolicy{Retryable: true, Strategy: StrategyFixedDelay, MaxAttempts: 3, DelaySeconds: 60}
	case KindDatabase:
		return RetryPolicy{Retryable: true, Strategy: StrategyFixedDelay, MaxAttempts: 2, DelaySeconds: 10}
	case KindInvalidResponse:
		return RetryPolicy{Retryable: true, Strategy: StrategyFixedDelay, MaxAttempts: 2, DelaySeconds: 15}
	case KindPermission:
		return RetryPolicy{Strategy: StrategyNone, Reason: "Permission errors cannot be retried automatically"}
	case KindAuthentication, KindAuthorization:
		return RetryPolicy{Strategy: StrategyNone, Reason: "Access errors require administrator action"}
	case KindValidation:
		return RetryPolicy{Strategy: StrategyNone, Reason: "Correct the request and try again"}
	case KindHardware:
		return RetryPolicy{Strategy: StrategyNone, Reason: "Hardware faults require maintenance"}
	case KindNotFound:
		return RetryPolicy{Strategy: StrategyNone, Reason: "Resource does not exist"}
	default:
		return RetryPolicy{Retryable: true, Strategy: StrategySingleRetry, MaxAttempts: 1, DelaySeconds: 30}
	}
}

// SeverityOf 错误严重程度：high / medium / low
func SeverityOf(kind Kind) string {
	switch kind {
	case KindPermission, KindDatabase, KindHardware:
		return "high"
	case KindValidation, KindNotFound:
		return "low"
	default:
		return "medium"
	}
}

// UserMessage 面向用户的错误说明
func UserMessage(kind Kind) string {
	switch kind {
	case KindPermission, KindAuthorization:
		return "You do not have permission to view this information."
	case KindAuthentication:
		return "Authentication failed. Please sign in again or check credentials."
	case KindDatabase:
		return "We are experiencing technical difficulties. Please try again in a moment."
	case KindNetwork:
		return "Unable to connect to the server. Please check your connection."
	case KindConnectionRefused:
		return "Unable to connect to the device. It may be offline or unreachable."
	case KindTimeout:
		return "The request took too long to complete. Please try again."
	case KindValidation:
		return "Invalid data was provided. Please check your input."
	case KindHardware:
		return "Hardware module is offline or not responding."
	case KindNotFound:
		return "The requested resource was not found."
	case KindInvalidResponse:
		return "Received an invalid response from the device."
	default:
		return "An unexpected error occurred."
	}
}

// Contact 支持联系人信息
type Contact struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Urgency string `json:"urgency"`
}

// SupportContact 根据错误种类选择联系对象
func SupportContact(kind Kind) Contact {
	switch kind {
	case KindHardware:
		return Contact{Type: "maintenance", Message: "Contact maintenance team for hardware issues", Urgency: "high"}
	case KindPermission, KindAuthorization, KindAuthentication:
		return Contact{Type: "admin", Message: "Contact system administrator for access issues", Urgency: "medium"}
	default:
		return Contact{Type: "technical", Message: "Contact technical support if issues persist", Urgency: "low"}
	}
}

// Troubleshooting 排障步骤；subject 描述对象（如 "RTU gateway"）
func Troubleshooting(kind Kind, subject string) []string {
	if subject == "" {
		subject = "device"
	}
	common := []string{
		fmt.Sprintf("Check %s network connectivity", subject),
		fmt.Sprintf("Verify %s IP address and port configuration", subject),
		fmt.Sprintf("Ensure %s is powered on and operational", subject),
	}
	var specific []string
	switch kind {
	case KindTimeout:
		specific = []string{
			fmt.Sprintf("Check network latency to %s", subject),
			"Verify firewall settings allow communication",
			"Consider increasing timeout values",
		}
	case KindConnectionRefused:
		specific = []string{
			fmt.Sprintf("Verify %s is online and accessible", subject),
			"Check if device services are running",
			"Confirm network routing to the device",
		}
	case KindAuthentication:
		specific = []string{
			fmt.Sprintf("Verify %s credentials", subject),
			"Check if authentication method has changed",
			"Ensure user account has proper permissions",
		}
	case KindNotFound:
		specific = []string{
			fmt.Sprintf("Verify %s API endpoints", subject),
			"Check if firmware has been updated",
			"Confirm device configuration matches expected format",
		}
	case KindPermission, KindAuthorization:
		return []string{
			"Verify user has permissions for this resource",
			"Check if the operation is enabled for this device",
			"Contact administrator to grant necessary permissions",
		}
	case KindHardware:
		return []string{
			"Check I/O module status on the gateway",
			"Verify physical connections to I/O terminals",
			"Restart the gateway if safe to do so",
			"Contact maintenance team for hardware inspection",
		}
	case KindValidation:
		return []string{
			"Verify the requested operation is supported",
			"Ensure parameters are within valid range",
		}
	default:
		specific = []string{
			fmt.Sprintf("Review %s logs for errors", subject),
			"Check device documentation for known issues",
			"Contact technical support if problem persists",
		}
	}
	return append(common, specific...)
}

// HTTPStatus 错误种类对应的 HTTP 状态码
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindPermission, KindAuthorization:
		return http.StatusForbidden
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNetwork, KindConnectionRefused, KindDatabase, KindInvalidResponse, KindHardware:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode 形如 TIMEOUT_SYSTEM_OVERVIEW_20240101120000
func ErrorCode(kind Kind, context string, at time.Time) string {
	ctx := strings.ToUpper(strings.ReplaceAll(context, "-", "_"))
	return fmt.Sprintf("%s_%s_%s", strings.ToUpper(string(kind)), ctx, at.Format("20060102150405"))
}

// SupportReference 形如 REF-20240101120000-1a2b3c4d
func SupportReference(at time.Time) string {
	return fmt.Sprintf("REF-%s-%s", at.Format("20060102150405"), uuid.NewString()[:8])
}
