package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParsePoolConfigAppliesOverrides(t *testing.T) {
	cfg, err := ParsePoolConfig(PoolConfig{
		DSN:             "postgresql://dexroute:secret@db:5432/dexroute?sslmode=disable",
		MaxConns:        12,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		ConnectTimeout:  3 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, int32(12), cfg.MaxConns)
	require.Equal(t, int32(2), cfg.MinConns)
	require.Equal(t, time.Hour, cfg.MaxConnLifetime)
	require.Equal(t, 3*time.Second, cfg.ConnConfig.ConnectTimeout)
	require.Equal(t, "db", cfg.ConnConfig.Host)
	require.Equal(t, "dexroute", cfg.ConnConfig.Database)
}

func TestParsePoolConfigRequiresDSN(t *testing.T) {
	_, err := ParsePoolConfig(PoolConfig{})
	require.ErrorContains(t, err, "dsn required")
}
