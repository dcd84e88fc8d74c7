package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

var gatewayCols = []string{
	"id", "name", "fixed_ip", "sim_number", "gsm_signal", "gnss_location",
	"gateway_type", "wan_ip", "sim_iccid", "sim_apn", "sim_operator",
	"cpu_load", "memory_usage", "uptime_hours", "rssi", "rsrp", "rsrq", "sinr",
	"di1_status", "di2_status", "do1_status", "do2_status", "analog_input_voltage",
	"last_system_update", "communication_status",
}

func TestPostgresUsersRepo_GetUser(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresUsersRepo(db)

	rows := sqlmock.NewRows([]string{"id", "name", "email", "role", "phone", "email_notifications", "sms_notifications", "notification_critical_only"}).
		AddRow(int64(7), "Ops", "ops@example.com", "operator", "", true, false, false)
	mock.ExpectQuery(`(?s)SELECT .+ FROM users WHERE id =`).WithArgs(int64(7)).WillReturnRows(rows)

	u, err := repo.GetUser(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Ops", u.Name)
	assert.True(t, u.IsOperator())

	mock.ExpectQuery(`(?s)SELECT .+ FROM users WHERE id =`).WithArgs(int64(8)).WillReturnError(sql.ErrNoRows)
	_, err = repo.GetUser(context.Background(), 8)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, failure.KindNotFound, failure.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGatewaysRepo_NullableTelemetry(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresGatewaysRepo(db)

	updated := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(gatewayCols).
		AddRow(int64(1), "RTU-1", "10.0.0.1", "", nil, "", "teltonika_rut956", "100.64.0.1", nil, nil, nil,
			45.5, 60.0, int64(120), int64(-68), nil, nil, nil,
			true, false, true, false, 4.2, updated, "online").
		AddRow(int64(2), "GW-2", "", "", nil, "", "", nil, nil, nil, nil,
			nil, nil, nil, nil, nil, nil, nil,
			nil, nil, nil, nil, nil, nil, "unknown")
	mock.ExpectQuery(`(?s)SELECT .+ FROM gateways ORDER BY id`).WillReturnRows(rows)

	gws, err := repo.ListGateways(context.Background())
	require.NoError(t, err)
	require.Len(t, gws, 2)

	assert.True(t, gws[0].IsRTU())
	require.NotNil(t, gws[0].CPULoad)
	assert.Equal(t, 45.5, *gws[0].CPULoad)
	require.NotNil(t, gws[0].RSSI)
	assert.Equal(t, "excellent", gws[0].SignalQualityStatus())
	assert.Nil(t, gws[0].RSRP)
	require.NotNil(t, gws[0].LastSystemUpdate)
	assert.True(t, updated.Equal(*gws[0].LastSystemUpdate))

	assert.Nil(t, gws[1].CPULoad)
	assert.Nil(t, gws[1].LastSystemUpdate)
	assert.Equal(t, "unknown", gws[1].SignalQualityStatus())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGatewaysRepo_GetGatewaysByIDs_Empty(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresGatewaysRepo(db)

	gws, err := repo.GetGatewaysByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, gws)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGatewaysRepo_UpdateTelemetry(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresGatewaysRepo(db)

	cpu := 12.5
	status := domain.CommOnline
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE gateways SET cpu_load = \$1, communication_status = \$2, last_system_update = \$3 WHERE id = \$4`).
		WithArgs(cpu, status, at, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateGatewayTelemetry(context.Background(), 3, domain.GatewayTelemetry{
		CPULoad:             &cpu,
		CommunicationStatus: &status,
		LastSystemUpdate:    at,
	})
	require.NoError(t, err)

	// 没有字段时不发 SQL
	require.NoError(t, repo.UpdateGatewayTelemetry(context.Background(), 3, domain.GatewayTelemetry{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingsRepo_ListReadings(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresReadingsRepo(db)

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := since.Add(time.Hour)
	rows := sqlmock.NewRows([]string{"id", "device_id", "register_id", "parameter_name", "unit", "value", "timestamp"}).
		AddRow(int64(1), int64(10), int64(100), "Total Power", "kW", 5.5, ts)

	mock.ExpectQuery(`(?s)SELECT .+ FROM readings r\s+JOIN registers reg .+ r\.device_id = ANY\(\$1\) AND r\.timestamp >= \$2 AND reg\.parameter_name ILIKE \$3\s+ORDER BY r\.timestamp DESC LIMIT \$4`).
		WithArgs(sqlmock.AnyArg(), since, "%power%", 50).
		WillReturnRows(rows)

	out, err := repo.ListReadings(context.Background(), ReadingFilter{
		DeviceIDs:     []int64{10},
		Since:         since,
		ParameterLike: "power",
		Limit:         50,
		Desc:          true,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsPower())
	assert.Equal(t, "kW", out[0].Unit)

	// 空设备集合直接返回
	out, err = repo.ListReadings(context.Background(), ReadingFilter{DeviceIDs: []int64{}})
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingsRepo_LatestAndInsert(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresReadingsRepo(db)

	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT device_id, MAX\(timestamp\) FROM readings`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "max"}).AddRow(int64(10), ts))

	latest, err := repo.LatestReadingTimes(context.Background(), []int64{10, 11})
	require.NoError(t, err)
	assert.Len(t, latest, 1)
	assert.True(t, ts.Equal(latest[10]))

	mock.ExpectQuery(`INSERT INTO readings`).
		WithArgs(int64(10), int64(100), 3.3, ts).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(55)))

	rd := &domain.Reading{DeviceID: 10, RegisterID: 100, Value: 3.3, Timestamp: ts}
	id, err := repo.InsertReading(context.Background(), rd)
	require.NoError(t, err)
	assert.Equal(t, int64(55), id)
	assert.Equal(t, int64(55), rd.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingsRepo_LatestReadingsSingleQuery(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresReadingsRepo(db)

	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "device_id", "register_id", "parameter_name", "unit", "value", "timestamp"}).
		AddRow(int64(1), int64(10), int64(100), "Total Energy", "kWh", 120.5, ts).
		AddRow(int64(2), int64(11), int64(101), "Energy Import", "kWh", 30.0, ts)
	mock.ExpectQuery(`(?s)SELECT DISTINCT ON \(r.device_id\) .+ WHERE r.device_id = ANY\(\$1\) AND reg.parameter_name ILIKE \$2 ORDER BY r.device_id, r.timestamp DESC`).
		WithArgs(sqlmock.AnyArg(), "%energy%").
		WillReturnRows(rows)

	latest, err := repo.LatestReadings(context.Background(), []int64{10, 11, 12}, "energy")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 120.5, latest[10].Value)
	assert.Equal(t, "kWh", latest[11].Unit)

	// 空设备集合不查询
	latest, err = repo.LatestReadings(context.Background(), nil, "energy")
	require.NoError(t, err)
	assert.Empty(t, latest)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAlertsRepo_ListAndResolve(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresAlertsRepo(db)

	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "device_id", "parameter_name", "value", "severity", "message", "timestamp", "resolved", "resolved_by", "resolved_at"}).
		AddRow(int64(1), int64(10), "voltage", 260.0, "critical", "too high", ts, false, nil, nil)

	mock.ExpectQuery(`(?s)SELECT .+ FROM alerts WHERE 1=1 AND device_id = ANY\(\$1\) AND severity = ANY\(\$2\) AND resolved = \$3 ORDER BY timestamp DESC LIMIT \$4`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), false, 20).
		WillReturnRows(rows)

	alerts, err := repo.ListAlerts(context.Background(), AlertFilter{
		DeviceIDs:  []int64{10},
		Severities: []string{domain.SeverityCritical},
		Resolved:   BoolPtr(false),
		Limit:      20,
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Nil(t, alerts[0].ResolvedBy)

	mock.ExpectExec(`UPDATE alerts SET resolved = true`).
		WithArgs(int64(1), int64(7), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.ResolveAlert(context.Background(), 1, 7, ts))

	mock.ExpectExec(`UPDATE alerts SET resolved = true`).
		WithArgs(int64(99), int64(7), ts).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.ResolveAlert(context.Background(), 99, 7, ts)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAssignmentsRepo_ReplaceAssignments(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresAssignmentsRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM user_gateway_assignments`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM user_device_assignments`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_gateway_assignments`).WithArgs(int64(5), int64(1), sqlmock.AnyArg(), int64(9)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO user_device_assignments`).WithArgs(int64(5), int64(20), sqlmock.AnyArg(), int64(9)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceAssignments(context.Background(), 5, []int64{1}, []int64{20}, 9))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAssignmentsRepo_ReplaceAssignments_Rollback(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPostgresAssignmentsRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM user_gateway_assignments`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM user_device_assignments`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO user_gateway_assignments`).WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	err := repo.ReplaceAssignments(context.Background(), 5, []int64{404}, nil, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to assign gateway 404")
	assert.NoError(t, mock.ExpectationsWereMet())
}
