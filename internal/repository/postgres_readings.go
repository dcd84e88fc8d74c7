package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"energy-monitor/internal/domain"

	"github.com/lib/pq"
)

type PostgresReadingsRepo struct {
	db *sql.DB
}

func NewPostgresReadingsRepo(db *sql.DB) *PostgresReadingsRepo {
	return &PostgresReadingsRepo{db: db}
}

func (r *PostgresReadingsRepo) ListReadings(ctx context.Context, f ReadingFilter) ([]domain.Reading, error) {
	if f.DeviceIDs != nil && len(f.DeviceIDs) == 0 {
		return []domain.Reading{}, nil
	}

	where := []string{"1=1"}
	args := []any{}
	argN := 1
	if f.DeviceIDs != nil {
		where = append(where, fmt.Sprintf("r.device_id = ANY($%d)", argN))
		args = append(args, pq.Array(f.DeviceIDs))
		argN++
	}
	if !f.Since.IsZero() {
		where = append(where, fmt.Sprintf("r.timestamp >= $%d", argN))
		args = append(args, f.Since)
		argN++
	}
	if !f.Until.IsZero() {
		where = append(where, fmt.Sprintf("r.timestamp <= $%d", argN))
		args = append(args, f.Until)
		argN++
	}
	if f.ParameterLike != "" {
		where = append(where, fmt.Sprintf("reg.parameter_name ILIKE $%d", argN))
		args = append(args, "%"+f.ParameterLike+"%")
		argN++
	}

	order := "ASC"
	if f.Desc {
		order = "DESC"
	}
	q := `
		SELECT r.id, r.device_id, r.register_id, reg.parameter_name, COALESCE(reg.unit, ''), r.value, r.timestamp
		FROM readings r
		JOIN registers reg ON reg.id = r.register_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY r.timestamp ` + order
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer rows.Close()

	out := []domain.Reading{}
	for rows.Next() {
		var rd domain.Reading
		if err := rows.Scan(&rd.ID, &rd.DeviceID, &rd.RegisterID, &rd.ParameterName, &rd.Unit, &rd.Value, &rd.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}

func (r *PostgresReadingsRepo) LatestReadingTimes(ctx context.Context, deviceIDs []int64) (map[int64]time.Time, error) {
	out := map[int64]time.Time{}
	if len(deviceIDs) == 0 {
		return out, nil
	}
	q := `SELECT device_id, MAX(timestamp) FROM readings WHERE device_id = ANY($1) GROUP BY device_id`
	rows, err := r.db.QueryContext(ctx, q, pq.Array(deviceIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reading times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan latest reading time: %w", err)
		}
		out[id] = ts
	}
	return out, rows.Err()
}

func (r *PostgresReadingsRepo) LatestReadings(ctx context.Context, deviceIDs []int64, parameterLike string) (map[int64]domain.Reading, error) {
	out := map[int64]domain.Reading{}
	if len(deviceIDs) == 0 {
		return out, nil
	}
	q := `
		SELECT DISTINCT ON (r.device_id) r.id, r.device_id, r.register_id, reg.parameter_name, COALESCE(reg.unit, ''), r.value, r.timestamp
		FROM readings r
		JOIN registers reg ON reg.id = r.register_id
		WHERE r.device_id = ANY($1) AND reg.parameter_name ILIKE $2
		ORDER BY r.device_id, r.timestamp DESC`
	rows, err := r.db.QueryContext(ctx, q, pq.Array(deviceIDs), "%"+parameterLike+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query latest readings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rd domain.Reading
		if err := rows.Scan(&rd.ID, &rd.DeviceID, &rd.RegisterID, &rd.ParameterName, &rd.Unit, &rd.Value, &rd.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan latest reading: %w", err)
		}
		out[rd.DeviceID] = rd
	}
	return out, rows.Err()
}

func (r *PostgresReadingsRepo) InsertReading(ctx context.Context, rd *domain.Reading) (int64, error) {
	q := `INSERT INTO readings (device_id, register_id, value, timestamp) VALUES ($1, $2, $3, $4) RETURNING id`
	var id int64
	if err := r.db.QueryRowContext(ctx, q, rd.DeviceID, rd.RegisterID, rd.Value, rd.Timestamp).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}
	rd.ID = id
	return id, nil
}
