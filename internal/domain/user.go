package domain

// 用户角色
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// User 用户领域模型（对应 users 表）
type User struct {
	ID                       int64  `db:"id" json:"id"`
	Name                     string `db:"name" json:"name"`
	Email                    string `db:"email" json:"email"`
	Role                     string `db:"role" json:"role"`
	Phone                    string `db:"phone" json:"phone,omitempty"`
	EmailNotifications       bool   `db:"email_notifications" json:"email_notifications"`
	SMSNotifications         bool   `db:"sms_notifications" json:"sms_notifications"`
	NotificationCriticalOnly bool   `db:"notification_critical_only" json:"notification_critical_only"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

func (u *User) IsOperator() bool {
	return u != nil && u.Role == RoleOperator
}

// ShouldReceiveAlert 根据通知偏好判断是否投递该严重级别的告警
// operator 不接收告警通知；关闭邮件通知时仅 critical 可穿透
func (u *User) ShouldReceiveAlert(severity string) bool {
	if u == nil || u.IsOperator() {
		return false
	}
	if !u.EmailNotifications {
		return severity == SeverityCritical
	}
	if u.NotificationCriticalOnly {
		return severity == SeverityCritical
	}
	return true
}

// NotificationChannels 返回可用的通知渠道
func (u *User) NotificationChannels() []string {
	var channels []string
	if u.EmailNotifications {
		channels = append(channels, "mail")
	}
	if u.SMSNotifications && u.Phone != "" {
		channels = append(channels, "sms")
	}
	return channels
}
