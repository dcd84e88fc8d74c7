package ingest

import (
	"context"
	"strings"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/repository"

	"go.uber.org/zap"
)

// ReadingInput 采集端上报的单条读数
type ReadingInput struct {
	DeviceID  int64    `json:"device_id"`
	Parameter string   `json:"parameter"`
	Value     *float64 `json:"value"`
	Timestamp string   `json:"timestamp"` // RFC3339
}

// StoreResult 写入结果
type StoreResult struct {
	ReadingID     int64     `json:"reading_id"`
	DeviceID      int64     `json:"device_id"`
	Parameter     string    `json:"parameter"`
	Value         float64   `json:"value"`
	Timestamp     time.Time `json:"timestamp"`
	AlertsCreated int       `json:"alerts_created"`
}

// Ingestor 读数写入 + 告警
type Ingestor struct {
	devices   repository.DeviceRepository
	registers repository.RegisterRepository
	readings  repository.ReadingRepository
	alerts    repository.AlertRepository
	users     repository.UserRepository
	evaluator Evaluator
	logger    *zap.Logger
}

// NewIngestor 创建 Ingestor
func NewIngestor(repos repository.Set, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		devices:   repos.Devices,
		registers: repos.Registers,
		readings:  repos.Readings,
		alerts:    repos.Alerts,
		users:     repos.Users,
		logger:    logger,
	}
}

func (in ReadingInput) validate() (time.Time, error) {
	const op = "ingest.validate"
	if in.DeviceID <= 0 {
		return time.Time{}, failure.New(failure.KindValidation, op, "device_id is required")
	}
	if strings.TrimSpace(in.Parameter) == "" || len(in.Parameter) > 255 {
		return time.Time{}, failure.New(failure.KindValidation, op, "parameter is required (max 255 characters)")
	}
	if in.Value == nil {
		return time.Time{}, failure.New(failure.KindValidation, op, "value is required")
	}
	ts, err := time.Parse(time.RFC3339, in.Timestamp)
	if err != nil {
		return time.Time{}, failure.Newf(failure.KindValidation, op, "timestamp must be RFC3339: %q", in.Timestamp)
	}
	return ts, nil
}

// Store 校验、写入读数并评估告警；告警写入失败只记录日志
func (i *Ingestor) Store(ctx context.Context, in ReadingInput) (*StoreResult, error) {
	ts, err := in.validate()
	if err != nil {
		return nil, err
	}
	if _, err := i.devices.GetDevice(ctx, in.DeviceID); err != nil {
		return nil, err
	}
	reg, err := i.registers.FindRegister(ctx, in.DeviceID, in.Parameter)
	if err != nil {
		if failure.Is(err, failure.KindNotFound) {
			return nil, failure.Newf(failure.KindNotFound, "ingest.Store",
				"register not found for device %d and parameter '%s'", in.DeviceID, in.Parameter)
		}
		return nil, err
	}

	reading := &domain.Reading{
		DeviceID:      in.DeviceID,
		RegisterID:    reg.ID,
		ParameterName: reg.ParameterName,
		Unit:          reg.Unit,
		Value:         *in.Value,
		Timestamp:     ts,
	}
	id, err := i.readings.InsertReading(ctx, reading)
	if err != nil {
		return nil, err
	}

	created := i.raiseAlerts(ctx, *reg, *in.Value, ts)

	i.logger.Info("Reading stored successfully",
		zap.Int64("device_id", in.DeviceID),
		zap.String("parameter", in.Parameter),
		zap.Float64("value", *in.Value),
		zap.Time("timestamp", ts),
		zap.Int("alerts_created", created),
	)
	return &StoreResult{
		ReadingID:     id,
		DeviceID:      in.DeviceID,
		Parameter:     reg.ParameterName,
		Value:         *in.Value,
		Timestamp:     ts,
		AlertsCreated: created,
	}, nil
}

func (i *Ingestor) raiseAlerts(ctx context.Context, reg domain.Register, value float64, ts time.Time) int {
	alerts := i.evaluator.Evaluate(reg, value, ts)
	if len(alerts) == 0 {
		return 0
	}
	admins, err := i.users.ListAdmins(ctx)
	if err != nil {
		i.logger.Warn("Failed to load alert recipients", zap.Error(err))
	}

	created := 0
	for idx := range alerts {
		a := &alerts[idx]
		if _, err := i.alerts.CreateAlert(ctx, a); err != nil {
			i.logger.Error("Failed to create alert",
				zap.Int64("device_id", a.DeviceID),
				zap.String("parameter", a.ParameterName),
				zap.Error(err),
			)
			continue
		}
		created++
		i.logger.Info("Alert created",
			zap.Int64("alert_id", a.ID),
			zap.Int64("device_id", a.DeviceID),
			zap.String("parameter", a.ParameterName),
			zap.String("severity", a.Severity),
		)
		i.notify(a, admins)
	}
	return created
}

// notify 记录通知对象；投递由外部通知服务负责
func (i *Ingestor) notify(a *domain.Alert, admins []domain.User) {
	for idx := range admins {
		u := &admins[idx]
		if !u.ShouldReceiveAlert(a.Severity) {
			i.logger.Debug("Notification skipped due to user preferences",
				zap.Int64("user_id", u.ID),
				zap.Int64("alert_id", a.ID),
				zap.String("alert_severity", a.Severity),
			)
			continue
		}
		i.logger.Info("Alert notification queued",
			zap.Int64("user_id", u.ID),
			zap.Int64("alert_id", a.ID),
			zap.String("alert_severity", a.Severity),
			zap.Strings("channels", u.NotificationChannels()),
		)
	}
}
