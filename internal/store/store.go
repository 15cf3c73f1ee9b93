package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store bundles the Postgres pool with an optional Redis cache.
type Store struct {
	PG     *pgxpool.Pool
	redis  *redis.Client
	logger *zap.Logger
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Options locates the backing services. RedisAddr may be empty.
type Options struct {
	DatabaseURL string
	Pool        PGPoolConfig
	RedisAddr   string
	RedisDB     int
	RedisPass   string
}

// Open connects to Postgres (required) and Redis (when configured) and
// pings both before returning.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if opts.Pool.MaxConns > 0 {
		cfg.MaxConns = opts.Pool.MaxConns
	}
	if opts.Pool.MinConns > 0 {
		cfg.MinConns = opts.Pool.MinConns
	}
	if opts.Pool.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.Pool.MaxConnLifetime
	}
	if opts.Pool.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.Pool.MaxConnIdleTime
	}
	if opts.Pool.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.Pool.HealthCheckPeriod
	}
	pg, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &Store{PG: pg, logger: logger}
	if opts.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, DB: opts.RedisDB, Password: opts.RedisPass})
		if err := rdb.Ping(ctx).Err(); err != nil {
			pg.Close()
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		s.redis = rdb
	}
	logger.Info("store.connected",
		zap.Int32("pg_max_conns", cfg.MaxConns),
		zap.Bool("redis", s.redis != nil))
	return s, nil
}

// Sink returns an append-only candle writer over the pool.
func (s *Store) Sink() *Sink {
	return NewSink(PgxPool{s.PG}, s.logger)
}

// CatalogCache returns the Redis catalog cache, or nil when Redis is not configured.
func (s *Store) CatalogCache(ttl time.Duration) *CatalogCache {
	if s.redis == nil {
		return nil
	}
	return NewCatalogCache(s.redis, ttl, s.logger)
}

// HealthCheck pings every configured backend.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.PG == nil {
		return errors.New("postgres not initialized")
	}
	if err := s.PG.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
