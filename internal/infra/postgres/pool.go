package postgres

import (
	"context"
	"fmt"

	"orderq/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to postgres")
	return pool, nil
}

// Migrate creates the schema when missing. Timestamp columns are NOT NULL;
// the Go zero time stands in for "never".
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS timeout_tasks (
			task_id TEXT PRIMARY KEY,
			order_ref TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL,
			schedule_time TIMESTAMPTZ NOT NULL,
			execute_time TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			timeout_minutes INT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			max_retry_count INT NOT NULL DEFAULT 3,
			error_message TEXT NOT NULL DEFAULT '',
			cancel_reason TEXT NOT NULL DEFAULT '',
			create_time TIMESTAMPTZ NOT NULL,
			update_time TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timeout_tasks_order_ref ON timeout_tasks (order_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_timeout_tasks_status ON timeout_tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_timeout_tasks_schedule_time ON timeout_tasks (schedule_time)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_ref TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			create_time TIMESTAMPTZ NOT NULL,
			update_time TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_ref TEXT NOT NULL REFERENCES orders (order_ref),
			product_id BIGINT NOT NULL,
			quantity INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_ref ON order_items (order_ref)`,
		`CREATE TABLE IF NOT EXISTS products (
			product_id BIGINT PRIMARY KEY,
			quantity INT NOT NULL CHECK (quantity >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			order_ref TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			update_time TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
