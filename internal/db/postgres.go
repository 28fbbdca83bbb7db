package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"backend-runsync/internal/config"
)

var (
	newPoolFn  = pgxpool.New
	pingPoolFn = func(ctx context.Context, pool *pgxpool.Pool) error { return pool.Ping(ctx) }
)

func ConnectPostgres(cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := newPoolFn(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate creates the run_sessions table when it does not exist.
func Migrate(ctx context.Context, q Querier) error {
	_, err := q.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS run_sessions (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL,
			start_time      TIMESTAMPTZ NOT NULL,
			end_time        TIMESTAMPTZ,
			distance_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
			average_pace    DOUBLE PRECISION NOT NULL DEFAULT 0,
			run_type        JSONB NOT NULL,
			participant_ids JSONB NOT NULL DEFAULT '[]',
			route           JSONB NOT NULL DEFAULT '[]',
			pace_samples    JSONB NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS run_sessions_owner_start ON run_sessions (owner_id, start_time DESC);
	`)
	return err
}
