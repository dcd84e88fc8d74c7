// Package database PostgreSQL 连接池与事务辅助。
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"energy-monitor/common/config"

	_ "github.com/lib/pq"
)

const (
	defaultAppName        = "energy-monitor"
	defaultConnectTimeout = 5 * time.Second
	defaultConnLifetime   = 30 * time.Minute
	defaultConnIdleTime   = 5 * time.Minute
)

// NewPostgresDB 打开连接池并 Ping；application_name 固定为 energy-monitor
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s application_name=%s connect_timeout=%d",
		cfg.GetDSN(), defaultAppName, int(defaultConnectTimeout/time.Second))

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database, err)
	}
	configurePool(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s@%s: %w", cfg.Database, cfg.Host, err)
	}
	return db, nil
}

func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	// 空闲连接不超过最大连接数
	idle := cfg.MaxIdle
	if cfg.MaxConns > 0 && idle > cfg.MaxConns {
		idle = cfg.MaxConns
	}
	if idle > 0 {
		db.SetMaxIdleConns(idle)
	}
	db.SetConnMaxLifetime(defaultConnLifetime)
	db.SetConnMaxIdleTime(defaultConnIdleTime)
}

// WithTx 在事务中执行 fn；fn 返回错误时回滚，否则提交
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
