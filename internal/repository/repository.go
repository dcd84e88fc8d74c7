// Package repository 持久化边界：窄接口 + Postgres 实现 + 内存实现（DB_ENABLED=false 与测试共用）。
package repository

import (
	"context"
	"errors"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

func notFound(op string) error {
	return failure.Wrap(failure.KindNotFound, op, ErrNotFound)
}

// UserRepository 用户
type UserRepository interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	ListAdmins(ctx context.Context) ([]domain.User, error)
}

// GatewayRepository 网关
type GatewayRepository interface {
	ListGateways(ctx context.Context) ([]domain.Gateway, error)
	GetGatewaysByIDs(ctx context.Context, ids []int64) ([]domain.Gateway, error)
	GetGateway(ctx context.Context, id int64) (*domain.Gateway, error)
	// UpdateGatewayTelemetry 回写 RTU 遥测（仅更新非 nil 字段）
	UpdateGatewayTelemetry(ctx context.Context, id int64, t domain.GatewayTelemetry) error
}

// DeviceRepository 设备
type DeviceRepository interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
	GetDevicesByIDs(ctx context.Context, ids []int64) ([]domain.Device, error)
	ListDevicesByGateways(ctx context.Context, gatewayIDs []int64) ([]domain.Device, error)
	GetDevice(ctx context.Context, id int64) (*domain.Device, error)
}

// RegisterRepository 寄存器
type RegisterRepository interface {
	FindRegister(ctx context.Context, deviceID int64, parameter string) (*domain.Register, error)
}

// ReadingFilter 读数查询条件；零值字段不参与过滤
type ReadingFilter struct {
	DeviceIDs     []int64
	Since         time.Time
	Until         time.Time
	ParameterLike string // ILIKE %x%
	Limit         int
	Desc          bool // 默认按时间升序
}

// ReadingRepository 读数（只追加）
type ReadingRepository interface {
	ListReadings(ctx context.Context, f ReadingFilter) ([]domain.Reading, error)
	// LatestReadingTimes 每个设备最近一次读数时间；从未上报的设备不出现在结果中
	LatestReadingTimes(ctx context.Context, deviceIDs []int64) (map[int64]time.Time, error)
	// LatestReadings 每个设备参数名匹配 parameterLike 的最新一条读数
	LatestReadings(ctx context.Context, deviceIDs []int64, parameterLike string) (map[int64]domain.Reading, error)
	InsertReading(ctx context.Context, r *domain.Reading) (int64, error)
}

// AlertFilter 告警查询条件；DeviceIDs 为 nil 表示不限设备，非 nil 空切片表示无结果
type AlertFilter struct {
	DeviceIDs  []int64
	Severities []string
	Resolved   *bool
	Since      time.Time
	Until      time.Time
	Limit      int
}

// AlertRepository 告警，按时间倒序返回
type AlertRepository interface {
	ListAlerts(ctx context.Context, f AlertFilter) ([]domain.Alert, error)
	GetAlert(ctx context.Context, id int64) (*domain.Alert, error)
	CreateAlert(ctx context.Context, a *domain.Alert) (int64, error)
	ResolveAlert(ctx context.Context, id, userID int64, at time.Time) error
}

// AssignmentRepository 用户与设备/网关的分配关系
type AssignmentRepository interface {
	AssignedGatewayIDs(ctx context.Context, userID int64) ([]int64, error)
	AssignedDeviceIDs(ctx context.Context, userID int64) ([]int64, error)
	// ReplaceAssignments 事务内整体替换用户的分配
	ReplaceAssignments(ctx context.Context, userID int64, gatewayIDs, deviceIDs []int64, assignedBy int64) error
}

// Set 聚合全部仓库，便于在服务间传递
type Set struct {
	Users       UserRepository
	Gateways    GatewayRepository
	Devices     DeviceRepository
	Registers   RegisterRepository
	Readings    ReadingRepository
	Alerts      AlertRepository
	Assignments AssignmentRepository
}

// BoolPtr 便于构造 AlertFilter.Resolved
func BoolPtr(b bool) *bool { return &b }
