package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"energy-monitor/common/database"
)

type PostgresAssignmentsRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresAssignmentsRepo(db *sql.DB) *PostgresAssignmentsRepo {
	return &PostgresAssignmentsRepo{db: db, now: time.Now}
}

func (r *PostgresAssignmentsRepo) queryIDs(ctx context.Context, q string, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresAssignmentsRepo) AssignedGatewayIDs(ctx context.Context, userID int64) ([]int64, error) {
	return r.queryIDs(ctx, `SELECT gateway_id FROM user_gateway_assignments WHERE user_id = $1 ORDER BY gateway_id`, userID)
}

func (r *PostgresAssignmentsRepo) AssignedDeviceIDs(ctx context.Context, userID int64) ([]int64, error) {
	return r.queryIDs(ctx, `SELECT device_id FROM user_device_assignments WHERE user_id = $1 ORDER BY device_id`, userID)
}

func (r *PostgresAssignmentsRepo) ReplaceAssignments(ctx context.Context, userID int64, gatewayIDs, deviceIDs []int64, assignedBy int64) error {
	at := r.now()
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_gateway_assignments WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to clear gateway assignments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_device_assignments WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to clear device assignments: %w", err)
		}
		for _, gid := range gatewayIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_gateway_assignments (user_id, gateway_id, assigned_at, assigned_by) VALUES ($1, $2, $3, $4)`,
				userID, gid, at, assignedBy); err != nil {
				return fmt.Errorf("failed to assign gateway %d: %w", gid, err)
			}
		}
		for _, did := range deviceIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_device_assignments (user_id, device_id, assigned_at, assigned_by) VALUES ($1, $2, $3, $4)`,
				userID, did, at, assignedBy); err != nil {
				return fmt.Errorf("failed to assign device %d: %w", did, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace assignments for user %d: %w", userID, err)
	}
	return nil
}

// NewPostgresSet 组装全部 Postgres 仓库
func NewPostgresSet(db *sql.DB) Set {
	return Set{
		Users:       NewPostgresUsersRepo(db),
		Gateways:    NewPostgresGatewaysRepo(db),
		Devices:     NewPostgresDevicesRepo(db),
		Registers:   NewPostgresRegistersRepo(db),
		Readings:    NewPostgresReadingsRepo(db),
		Alerts:      NewPostgresAlertsRepo(db),
		Assignments: NewPostgresAssignmentsRepo(db),
	}
}
