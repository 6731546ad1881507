package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/noah-isme/space-intake-api/pkg/config"
)

// NewPostgres returns a configured PostgreSQL client.
func NewPostgres(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate brings the applications table into existence on first start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS applications (
			schema           TEXT PRIMARY KEY,
			pubkey           TEXT NOT NULL,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL,
			image            TEXT NOT NULL DEFAULT '',
			metadata         JSONB NOT NULL DEFAULT '{}',
			created_at       BIGINT NOT NULL,
			approved_at      BIGINT,
			approved_message TEXT,
			rejected_at      BIGINT,
			rejected_message TEXT
		)`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate applications: %w", err)
	}
	return nil
}
