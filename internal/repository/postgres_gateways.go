package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"energy-monitor/internal/domain"

	"github.com/lib/pq"
)

type PostgresGatewaysRepo struct {
	db *sql.DB
}

func NewPostgresGatewaysRepo(db *sql.DB) *PostgresGatewaysRepo {
	return &PostgresGatewaysRepo{db: db}
}

const gatewayColumns = `
	id, name, COALESCE(fixed_ip, ''), COALESCE(sim_number, ''), gsm_signal, COALESCE(gnss_location, ''),
	COALESCE(gateway_type, ''), wan_ip, sim_iccid, sim_apn, sim_operator,
	cpu_load, memory_usage, uptime_hours, rssi, rsrp, rsrq, sinr,
	di1_status, di2_status, do1_status, do2_status, analog_input_voltage,
	last_system_update, COALESCE(communication_status, 'unknown')`

func scanGateway(row interface{ Scan(...any) error }) (domain.Gateway, error) {
	var g domain.Gateway
	err := row.Scan(
		&g.ID, &g.Name, &g.FixedIP, &g.SIMNumber, &g.GSMSignal, &g.GNSSLocation,
		&g.GatewayType, &g.WANIP, &g.SIMICCID, &g.SIMAPN, &g.SIMOperator,
		&g.CPULoad, &g.MemoryUsage, &g.UptimeHours, &g.RSSI, &g.RSRP, &g.RSRQ, &g.SINR,
		&g.DI1Status, &g.DI2Status, &g.DO1Status, &g.DO2Status, &g.AnalogInputVoltage,
		&g.LastSystemUpdate, &g.CommunicationStatus,
	)
	return g, err
}

func (r *PostgresGatewaysRepo) queryGateways(ctx context.Context, q string, args ...any) ([]domain.Gateway, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query gateways: %w", err)
	}
	defer rows.Close()

	out := []domain.Gateway{}
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gateway: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *PostgresGatewaysRepo) ListGateways(ctx context.Context) ([]domain.Gateway, error) {
	return r.queryGateways(ctx, `SELECT `+gatewayColumns+` FROM gateways ORDER BY id`)
}

func (r *PostgresGatewaysRepo) GetGatewaysByIDs(ctx context.Context, ids []int64) ([]domain.Gateway, error) {
	if len(ids) == 0 {
		return []domain.Gateway{}, nil
	}
	return r.queryGateways(ctx, `SELECT `+gatewayColumns+` FROM gateways WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
}

func (r *PostgresGatewaysRepo) GetGateway(ctx context.Context, id int64) (*domain.Gateway, error) {
	g, err := scanGateway(r.db.QueryRowContext(ctx, `SELECT `+gatewayColumns+` FROM gateways WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.GetGateway")
		}
		return nil, fmt.Errorf("failed to get gateway %d: %w", id, err)
	}
	return &g, nil
}

func (r *PostgresGatewaysRepo) UpdateGatewayTelemetry(ctx context.Context, id int64, t domain.GatewayTelemetry) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if t.WANIP != nil {
		add("wan_ip", *t.WANIP)
	}
	if t.SIMICCID != nil {
		add("sim_iccid", *t.SIMICCID)
	}
	if t.SIMAPN != nil {
		add("sim_apn", *t.SIMAPN)
	}
	if t.SIMOperator != nil {
		add("sim_operator", *t.SIMOperator)
	}
	if t.CPULoad != nil {
		add("cpu_load", *t.CPULoad)
	}
	if t.MemoryUsage != nil {
		add("memory_usage", *t.MemoryUsage)
	}
	if t.UptimeHours != nil {
		add("uptime_hours", *t.UptimeHours)
	}
	if t.RSSI != nil {
		add("rssi", *t.RSSI)
	}
	if t.RSRP != nil {
		add("rsrp", *t.RSRP)
	}
	if t.RSRQ != nil {
		add("rsrq", *t.RSRQ)
	}
	if t.SINR != nil {
		add("sinr", *t.SINR)
	}
	if t.DI1Status != nil {
		add("di1_status", *t.DI1Status)
	}
	if t.DI2Status != nil {
		add("di2_status", *t.DI2Status)
	}
	if t.DO1Status != nil {
		add("do1_status", *t.DO1Status)
	}
	if t.DO2Status != nil {
		add("do2_status", *t.DO2Status)
	}
	if t.AnalogInputVoltage != nil {
		add("analog_input_voltage", *t.AnalogInputVoltage)
	}
	if t.CommunicationStatus != nil {
		add("communication_status", *t.CommunicationStatus)
	}
	if !t.LastSystemUpdate.IsZero() {
		add("last_system_update", t.LastSystemUpdate)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	q := fmt.Sprintf(`UPDATE gateways SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update gateway %d telemetry: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("repository.UpdateGatewayTelemetry")
	}
	return nil
}
