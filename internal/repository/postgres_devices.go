package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"energy-monitor/internal/domain"

	"github.com/lib/pq"
)

type PostgresDevicesRepo struct {
	db *sql.DB
}

func NewPostgresDevicesRepo(db *sql.DB) *PostgresDevicesRepo {
	return &PostgresDevicesRepo{db: db}
}

const deviceColumns = `id, gateway_id, name, slave_id, COALESCE(location_tag, ''), COALESCE(manufacturer, ''), COALESCE(part_number, ''), COALESCE(serial_number, '')`

func scanDevice(row interface{ Scan(...any) error }) (domain.Device, error) {
	var d domain.Device
	err := row.Scan(&d.ID, &d.GatewayID, &d.Name, &d.SlaveID, &d.LocationTag, &d.Manufacturer, &d.PartNumber, &d.SerialNumber)
	return d, err
}

func (r *PostgresDevicesRepo) queryDevices(ctx context.Context, q string, args ...any) ([]domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	out := []domain.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresDevicesRepo) ListDevices(ctx context.Context) ([]domain.Device, error) {
	return r.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
}

func (r *PostgresDevicesRepo) GetDevicesByIDs(ctx context.Context, ids []int64) ([]domain.Device, error) {
	if len(ids) == 0 {
		return []domain.Device{}, nil
	}
	return r.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
}

func (r *PostgresDevicesRepo) ListDevicesByGateways(ctx context.Context, gatewayIDs []int64) ([]domain.Device, error) {
	if len(gatewayIDs) == 0 {
		return []domain.Device{}, nil
	}
	return r.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE gateway_id = ANY($1) ORDER BY id`, pq.Array(gatewayIDs))
}

func (r *PostgresDevicesRepo) GetDevice(ctx context.Context, id int64) (*domain.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.GetDevice")
		}
		return nil, fmt.Errorf("failed to get device %d: %w", id, err)
	}
	return &d, nil
}

type PostgresRegistersRepo struct {
	db *sql.DB
}

func NewPostgresRegistersRepo(db *sql.DB) *PostgresRegistersRepo {
	return &PostgresRegistersRepo{db: db}
}

func (r *PostgresRegistersRepo) FindRegister(ctx context.Context, deviceID int64, parameter string) (*domain.Register, error) {
	q := `
		SELECT id, device_id, parameter_name, COALESCE(register_address, 0), COALESCE(data_type, ''),
		       COALESCE(unit, ''), COALESCE(scale, 1), COALESCE(normal_range, ''), critical
		FROM registers
		WHERE device_id = $1 AND parameter_name = $2
		LIMIT 1`
	var reg domain.Register
	err := r.db.QueryRowContext(ctx, q, deviceID, parameter).Scan(
		&reg.ID, &reg.DeviceID, &reg.ParameterName, &reg.RegisterAddress, &reg.DataType,
		&reg.Unit, &reg.Scale, &reg.NormalRange, &reg.Critical,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.FindRegister")
		}
		return nil, fmt.Errorf("failed to find register %s for device %d: %w", parameter, deviceID, err)
	}
	return &reg, nil
}
