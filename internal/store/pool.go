package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open creates a Postgres connection pool using the standard defaults.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
