package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var dependencyUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "dependency_up",
	Help: "Whether the last healthcheck of a backing service succeeded.",
}, []string{"dependency"})

func init() {
	prometheus.MustRegister(dependencyUp)
}

// Resources holds the Postgres pool and the Redis client shared by the
// account store and the session store.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
}

// NewResources opens both pools and fails unless both answer a ping.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	pgCfg, err := postgresConfig(cfg)
	if err != nil {
		return nil, err
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	res := &Resources{
		Postgres: pgPool,
		Redis:    redis.NewClient(redisOptions(cfg)),
	}
	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func postgresConfig(cfg Config) (*pgxpool.Config, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.Pool.PostgresMaxConns > 0 {
		pgCfg.MaxConns = cfg.Pool.PostgresMaxConns
	}
	if cfg.Pool.PostgresMinConns > 0 {
		pgCfg.MinConns = cfg.Pool.PostgresMinConns
	}
	if cfg.Pool.PostgresMaxConnIdle > 0 {
		pgCfg.MaxConnIdleTime = cfg.Pool.PostgresMaxConnIdle
	}
	if cfg.Pool.DialTimeout > 0 {
		pgCfg.ConnConfig.ConnectTimeout = cfg.Pool.DialTimeout
	}
	pgCfg.ConnConfig.RuntimeParams["application_name"] = cfg.AppName
	return pgCfg, nil
}

func redisOptions(cfg Config) *redis.Options {
	opts := &redis.Options{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		PoolSize:   cfg.Pool.RedisPoolSize,
		ClientName: cfg.AppName,
	}
	if cfg.Pool.DialTimeout > 0 {
		opts.DialTimeout = cfg.Pool.DialTimeout
	}
	return opts
}

// HealthCheck pings both services and reports every failure, not just the
// first. The dependency_up gauge tracks the outcome per service.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pgErr := r.Postgres.Ping(ctx)
	if pgErr != nil {
		pgErr = fmt.Errorf("postgres healthcheck failed: %w", pgErr)
	}
	redisErr := r.Redis.Ping(ctx).Err()
	if redisErr != nil {
		redisErr = fmt.Errorf("redis healthcheck failed: %w", redisErr)
	}
	setUp("postgres", pgErr == nil)
	setUp("redis", redisErr == nil)
	return errors.Join(pgErr, redisErr)
}

func setUp(dependency string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	dependencyUp.WithLabelValues(dependency).Set(v)
}

// Close releases both pools. It tolerates a partially built Resources.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
