package database

import (
	"context"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool dials the pool with a short bounded retry around the initial
// connection attempt, since a worker or router starting up alongside its
// database (container orchestration, fresh docker-compose stack) will
// frequently see the first dial refused.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIME ZONE 'UTC'")
		return err
	}

	var pool *pgxpool.Pool
	err = retry.Do(
		func() error {
			p, dialErr := pgxpool.NewWithConfig(ctx, cfg)
			if dialErr != nil {
				return dialErr
			}
			if pingErr := p.Ping(ctx); pingErr != nil {
				p.Close()
				return pingErr
			}
			pool = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}
