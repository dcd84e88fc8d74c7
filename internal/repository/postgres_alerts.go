package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"energy-monitor/internal/domain"

	"github.com/lib/pq"
)

type PostgresAlertsRepo struct {
	db *sql.DB
}

func NewPostgresAlertsRepo(db *sql.DB) *PostgresAlertsRepo {
	return &PostgresAlertsRepo{db: db}
}

const alertColumns = `id, device_id, parameter_name, value, severity, COALESCE(message, ''), timestamp, resolved, resolved_by, resolved_at`

func scanAlert(row interface{ Scan(...any) error }) (domain.Alert, error) {
	var a domain.Alert
	err := row.Scan(&a.ID, &a.DeviceID, &a.ParameterName, &a.Value, &a.Severity, &a.Message, &a.Timestamp, &a.Resolved, &a.ResolvedBy, &a.ResolvedAt)
	return a, err
}

func (r *PostgresAlertsRepo) ListAlerts(ctx context.Context, f AlertFilter) ([]domain.Alert, error) {
	if f.DeviceIDs != nil && len(f.DeviceIDs) == 0 {
		return []domain.Alert{}, nil
	}

	where := []string{"1=1"}
	args := []any{}
	argN := 1
	if f.DeviceIDs != nil {
		where = append(where, fmt.Sprintf("device_id = ANY($%d)", argN))
		args = append(args, pq.Array(f.DeviceIDs))
		argN++
	}
	if len(f.Severities) > 0 {
		where = append(where, fmt.Sprintf("severity = ANY($%d)", argN))
		args = append(args, pq.Array(f.Severities))
		argN++
	}
	if f.Resolved != nil {
		where = append(where, fmt.Sprintf("resolved = $%d", argN))
		args = append(args, *f.Resolved)
		argN++
	}
	if !f.Since.IsZero() {
		where = append(where, fmt.Sprintf("timestamp >= $%d", argN))
		args = append(args, f.Since)
		argN++
	}
	if !f.Until.IsZero() {
		where = append(where, fmt.Sprintf("timestamp <= $%d", argN))
		args = append(args, f.Until)
		argN++
	}

	q := `SELECT ` + alertColumns + ` FROM alerts WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	out := []domain.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresAlertsRepo) GetAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	a, err := scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.GetAlert")
		}
		return nil, fmt.Errorf("failed to get alert %d: %w", id, err)
	}
	return &a, nil
}

func (r *PostgresAlertsRepo) CreateAlert(ctx context.Context, a *domain.Alert) (int64, error) {
	q := `
		INSERT INTO alerts (device_id, parameter_name, value, severity, message, timestamp, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, false)
		RETURNING id`
	var id int64
	if err := r.db.QueryRowContext(ctx, q, a.DeviceID, a.ParameterName, a.Value, a.Severity, a.Message, a.Timestamp).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create alert: %w", err)
	}
	a.ID = id
	return id, nil
}

func (r *PostgresAlertsRepo) ResolveAlert(ctx context.Context, id, userID int64, at time.Time) error {
	q := `UPDATE alerts SET resolved = true, resolved_by = $2, resolved_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, userID, at)
	if err != nil {
		return fmt.Errorf("failed to resolve alert %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("repository.ResolveAlert")
	}
	return nil
}
