package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/internal/infra/logging"
)

// PoolConfig tunes the pgx connection pool.
type PoolConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	ConnectAttempts   uint          `yaml:"connectAttempts"`
}

// ParsePoolConfig converts cfg into a pgxpool configuration.
func ParsePoolConfig(cfg PoolConfig) (*pgxpool.Config, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres pool: dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	return poolCfg, nil
}

// Connect opens a pool and pings it, retrying with exponential backoff until the database
// answers or ConnectAttempts is exhausted.
func Connect(ctx context.Context, cfg PoolConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	logger = logging.Or(logger)
	poolCfg, err := ParsePoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	pool, err := backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("postgres pool: create: %w", err))
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres pool: ping: %w", err)
		}
		return pool, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not ready, retrying", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("database pool ready",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns))
	return pool, nil
}
