package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"energy-monitor/internal/domain"
)

type PostgresUsersRepo struct {
	db *sql.DB
}

func NewPostgresUsersRepo(db *sql.DB) *PostgresUsersRepo {
	return &PostgresUsersRepo{db: db}
}

const userColumns = `id, name, email, role, COALESCE(phone, ''), email_notifications, sms_notifications, notification_critical_only`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Phone, &u.EmailNotifications, &u.SMSNotifications, &u.NotificationCriticalOnly)
	return u, err
}

func (r *PostgresUsersRepo) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("repository.GetUser")
		}
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &u, nil
}

func (r *PostgresUsersRepo) ListAdmins(ctx context.Context) ([]domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE role = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, domain.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	defer rows.Close()

	out := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
