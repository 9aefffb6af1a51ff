package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const connectTimeout = 5 * time.Second

// Option tunes the pool before it is opened.
type Option func(*pgxpool.Config)

// WithApplicationName tags connections in pg_stat_activity.
func WithApplicationName(name string) Option {
	return func(c *pgxpool.Config) {
		c.ConnConfig.RuntimeParams["application_name"] = name
	}
}

// WithMaxConns caps the pool. Values below one are ignored.
func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		if n < 1 {
			return
		}
		c.MaxConns = n
		if c.MinConns > n {
			c.MinConns = n
		}
	}
}

// Connect opens a pgx pool and pings it. The sync sweep and the webhook
// workers share this pool with HTTP handlers, so the defaults leave room for
// both.
func Connect(ctx context.Context, dbURL string, opts ...Option) (*pgxpool.Pool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	config.MaxConns = 16
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 15 * time.Minute
	config.HealthCheckPeriod = time.Minute
	for _, opt := range opts {
		opt(config)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
